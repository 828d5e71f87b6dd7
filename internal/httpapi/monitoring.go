package httpapi

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/netresearch/ldapgw/internal/apierr"
	"github.com/netresearch/ldapgw/internal/config"
	"github.com/netresearch/ldapgw/internal/replication"
)

const defaultProbeWait = 5 * time.Second

type nodeStatusDTO struct {
	Label      string  `json:"label"`
	Host       string  `json:"host"`
	Port       int     `json:"port"`
	Reachable  bool    `json:"reachable"`
	ContextCSN string  `json:"context_csn,omitempty"`
	SyncAgeS   float64 `json:"sync_age_s"`
	InSync     bool    `json:"in_sync"`
	Error      string  `json:"error,omitempty"`
}

func nodeStatusToDTO(s replication.NodeStatus) nodeStatusDTO {
	dto := nodeStatusDTO{
		Label:      s.Node.Label,
		Host:       s.Node.Host,
		Port:       s.Node.Port,
		Reachable:  s.Reachable,
		ContextCSN: s.ContextCSN,
		SyncAgeS:   s.SyncAgeS,
		InSync:     s.InSync,
	}

	if s.Err != nil {
		dto.Error = s.Err.Error()
	}

	return dto
}

// clusterInSync reports the cluster-level in_sync derived from the set of
// reachable nodes' status, per spec.md §3: a single reachable node (or a
// cluster with contextCSN absent entirely) is trivially in sync.
func clusterInSync(nodes []replication.NodeStatus) bool {
	reachable := 0
	allInSync := true

	for _, n := range nodes {
		if !n.Reachable {
			continue
		}

		reachable++

		if !n.InSync {
			allInSync = false
		}
	}

	if reachable <= 1 {
		return true
	}

	return allInSync
}

// monitoringNodesHandler implements GET /monitoring/nodes?cluster=: a HEALTH
// fan-out snapshot across every node.
func (a *App) monitoringNodesHandler(c *fiber.Ctx) error {
	cluster, err := a.clusters.byName(c.Query("cluster"))
	if err != nil {
		return err
	}

	snapshot, err := a.repl.Snapshot(c.UserContext(), cluster)
	if err != nil {
		return err
	}

	nodes := make([]nodeStatusDTO, 0, len(snapshot.Nodes))
	for _, n := range snapshot.Nodes {
		nodes = append(nodes, nodeStatusToDTO(n))
	}

	return c.JSON(fiber.Map{
		"cluster":  snapshot.Cluster,
		"nodes":    nodes,
		"in_sync":  clusterInSync(snapshot.Nodes),
	})
}

// monitoringTopologyHandler implements GET /monitoring/topology?cluster=:
// the declared replication graph, with no liveness information.
func (a *App) monitoringTopologyHandler(c *fiber.Ctx) error {
	cluster, err := a.clusters.byName(c.Query("cluster"))
	if err != nil {
		return err
	}

	nodes := cluster.AllNodes()
	out := make([]fiber.Map, 0, len(nodes))

	for _, n := range nodes {
		out = append(out, fiber.Map{
			"label":  n.Label,
			"host":   n.Host,
			"port":   n.Port,
			"index":  n.Index,
			"master": n.Index == 0,
		})
	}

	return c.JSON(fiber.Map{"cluster": cluster.Name, "nodes": out})
}

type testReplicationRequest struct {
	Cluster string `json:"cluster"`
}

// testReplicationHandler implements POST /monitoring/test-replication: the
// write-propagation probe of spec.md §4.6 (WRITE + HEALTH fan-out).
func (a *App) testReplicationHandler(c *fiber.Ctx) error {
	var req testReplicationRequest
	if err := c.BodyParser(&req); err != nil {
		return apierr.BadRequest("invalid request body: %v", err)
	}

	cluster, err := a.clusters.byName(req.Cluster)
	if err != nil {
		return err
	}

	if cluster.ReadOnly {
		return apierr.Forbidden("cluster %s is read-only", cluster.Name)
	}

	if _, err := a.sel.Select(c.UserContext(), cluster, config.ClassWrite); err != nil {
		return err
	}

	result, err := a.repl.Probe(c.UserContext(), cluster, defaultProbeWait)
	if err != nil {
		return err
	}

	success := len(result.NotPropagated) == 0

	return c.JSON(fiber.Map{
		"success":        success,
		"latency_ms":     result.LatencyMS,
		"message":        result.Message,
		"propagated_to":  nodeLabels(result.PropagatedTo),
		"not_propagated": nodeLabels(result.NotPropagated),
	})
}

func nodeLabels(nodes []config.Node) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.Label)
	}

	return out
}
