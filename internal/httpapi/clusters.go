package httpapi

import (
	"sync"

	"github.com/gofiber/fiber/v2"

	"github.com/netresearch/ldapgw/internal/apierr"
	"github.com/netresearch/ldapgw/internal/config"
)

// clusterStore holds the validated cluster topology in memory. Clusters are
// immutable while referenced by in-flight operations (spec.md §3); Reload
// swaps the whole slice under a write lock so concurrent readers either see
// the old or the new set, never a partial one.
type clusterStore struct {
	mu       sync.RWMutex
	clusters []config.Cluster
}

func newClusterStore(clusters []config.Cluster) clusterStore {
	return clusterStore{clusters: clusters}
}

func (s *clusterStore) all() []config.Cluster {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]config.Cluster, len(s.clusters))
	copy(out, s.clusters)

	return out
}

func (s *clusterStore) byName(name string) (*config.Cluster, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := config.ByName(s.clusters, name)
	if !ok {
		return nil, apierr.NotFound("unknown cluster %q", name)
	}

	// Return a copy so callers never mutate the stored slice in place.
	clusterCopy := *c

	return &clusterCopy, nil
}

// Reload replaces the in-memory cluster set, reloading and re-validating
// from path. No caller in this module invokes it; cmd/ldapgw-server treats
// SIGHUP as a shutdown signal, so the cluster set stays as loaded at startup.
func (s *clusterStore) Reload(path string) error {
	clusters, err := config.LoadClusters(path)
	if err != nil {
		return err
	}

	if err := config.Validate(clusters); err != nil {
		return err
	}

	s.mu.Lock()
	s.clusters = clusters
	s.mu.Unlock()

	return nil
}

type clusterSummary struct {
	Name     string `json:"name"`
	ReadOnly bool   `json:"readonly"`
	Nodes    int    `json:"nodes"`
}

// listClustersHandler implements GET /clusters/list.
func (a *App) listClustersHandler(c *fiber.Ctx) error {
	clusters := a.clusters.all()
	out := make([]clusterSummary, 0, len(clusters))

	for i := range clusters {
		out = append(out, clusterSummary{
			Name:     clusters[i].Name,
			ReadOnly: clusters[i].ReadOnly,
			Nodes:    len(clusters[i].AllNodes()),
		})
	}

	return c.JSON(out)
}

type formFieldDTO struct {
	Name      string   `json:"name"`
	Attribute string   `json:"attribute"`
	Type      string   `json:"type"`
	Options   []string `json:"options,omitempty"`
	Required  bool     `json:"required"`
}

// formHandler implements GET /clusters/form/{name}.
func (a *App) formHandler(c *fiber.Ctx) error {
	cluster, err := a.clusters.byName(c.Params("name"))
	if err != nil {
		return err
	}

	fields := make([]formFieldDTO, 0, len(cluster.UserTemplate.Fields))
	for _, f := range cluster.UserTemplate.Fields {
		fields = append(fields, formFieldDTO{
			Name:      f.Name,
			Attribute: f.Attribute,
			Type:      string(f.Type),
			Options:   f.Options,
			Required:  f.Required,
		})
	}

	return c.JSON(fiber.Map{
		"fields": fields,
		"password_policy": fiber.Map{
			"min_length":           cluster.PasswordPolicy.MinLength,
			"require_confirmation": cluster.PasswordPolicy.RequireConfirmation,
		},
	})
}

type columnDTO struct {
	Attribute string `json:"attribute"`
	Label     string `json:"label"`
}

// columnsHandler implements GET /clusters/columns/{name}.
func (a *App) columnsHandler(c *fiber.Ctx) error {
	cluster, err := a.clusters.byName(c.Params("name"))
	if err != nil {
		return err
	}

	out := make(map[string][]columnDTO, len(cluster.Columns))

	for view, cols := range cluster.Columns {
		dtos := make([]columnDTO, 0, len(cols))
		for _, col := range cols {
			dtos = append(dtos, columnDTO{Attribute: col.Attribute, Label: col.Label})
		}

		out[string(view)] = dtos
	}

	return c.JSON(out)
}

// clusterHealthHandler implements GET /clusters/health/{name}: a
// bind-and-read-rootDSE probe against the cluster's configured bind
// identity, selector class HEALTH.
func (a *App) clusterHealthHandler(c *fiber.Ctx) error {
	cluster, err := a.clusters.byName(c.Params("name"))
	if err != nil {
		return err
	}

	node, err := a.sel.Select(c.UserContext(), cluster, config.ClassHealth)
	if err != nil {
		return err
	}

	password, err := a.vault.Load(cluster.Name)
	if err != nil {
		return c.JSON(fiber.Map{"healthy": false, "reason": "no cached credential"})
	}

	if err := a.gw.BindTest(c.UserContext(), cluster, cluster.BindDN, password); err != nil {
		return c.JSON(fiber.Map{"healthy": false, "reason": err.Error()})
	}

	entry, err := a.gw.RootDSE(c.UserContext(), cluster, node)
	if err != nil {
		return c.JSON(fiber.Map{"healthy": false, "reason": err.Error()})
	}

	return c.JSON(fiber.Map{"healthy": true, "contextCSN": entry.Attr("contextCSN")})
}
