package httpapi

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/netresearch/ldapgw/internal/apierr"
	"github.com/netresearch/ldapgw/internal/ldapgw"
)

// auditLog emits the WRITE audit entry spec.md §7 requires for every
// create/update/delete: cluster, dn, operation, outcome, latency_ms and
// request_id, at the level the spec names per operation (DELETE at WARN,
// CREATE/UPDATE at INFO).
func auditLog(c *fiber.Ctx, level zerolog.Level, cluster, dn, operation, outcome string, start time.Time) {
	log.WithLevel(level).
		Str("cluster", cluster).
		Str("dn", dn).
		Str("operation", operation).
		Str("outcome", outcome).
		Float64("latency_ms", float64(time.Since(start).Microseconds())/1000.0).
		Str("request_id", c.GetRespHeader(fiber.HeaderXRequestID)).
		Msg("directory write")
}

type entryDTO struct {
	DN         string              `json:"dn"`
	Attributes map[string][]string `json:"attributes"`
}

func entryToDTO(e ldapgw.Entry) entryDTO {
	return entryDTO{DN: e.DN, Attributes: e.Attributes}
}

func entriesToDTO(es []ldapgw.Entry) []entryDTO {
	out := make([]entryDTO, 0, len(es))
	for _, e := range es {
		out = append(out, entryToDTO(e))
	}

	return out
}

// statsHandler implements GET /entries/stats?cluster=.
func (a *App) statsHandler(c *fiber.Ctx) error {
	cluster, err := a.clusters.byName(c.Query("cluster"))
	if err != nil {
		return err
	}

	stats, err := a.dir.Stats(c.UserContext(), cluster)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{"users": stats.Users, "groups": stats.Groups, "ous": stats.OUs})
}

// searchHandler implements GET /entries/search?cluster&page&page_size&filter_type&search.
func (a *App) searchHandler(c *fiber.Ctx) error {
	cluster, err := a.clusters.byName(c.Query("cluster"))
	if err != nil {
		return err
	}

	page, _ := strconv.Atoi(c.Query("page", "0"))
	pageSize, _ := strconv.Atoi(c.Query("page_size", "100"))
	view := c.Query("filter_type", "all")
	query := c.Query("search", "")

	result, err := a.dir.List(c.UserContext(), cluster, view, query, page, pageSize)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"entries":   entriesToDTO(result.Entries),
		"page":      result.Page,
		"page_size": result.PageSize,
		"total":     result.Total,
		"has_more":  result.HasMore,
	})
}

type createRequest struct {
	Cluster    string            `json:"cluster"`
	DN         string            `json:"dn"`
	Attributes map[string]string `json:"attributes"`
}

// createHandler implements POST /entries/create.
func (a *App) createHandler(c *fiber.Ctx) error {
	var req createRequest
	if err := c.BodyParser(&req); err != nil {
		return apierr.BadRequest("invalid request body: %v", err)
	}

	if req.Cluster == "" || req.DN == "" {
		return apierr.BadRequest("cluster and dn are required")
	}

	cluster, err := a.clusters.byName(req.Cluster)
	if err != nil {
		return err
	}

	start := time.Now()

	if err := a.dir.Create(c.UserContext(), cluster, req.DN, req.Attributes); err != nil {
		auditLog(c, zerolog.InfoLevel, cluster.Name, req.DN, "create", "error", start)

		return err
	}

	auditLog(c, zerolog.InfoLevel, cluster.Name, req.DN, "create", "ok", start)

	return c.JSON(fiber.Map{"created": true})
}

type modificationDTO struct {
	Op        string   `json:"op"`
	Attribute string   `json:"attribute"`
	Values    []string `json:"values"`
}

type updateRequest struct {
	Cluster       string             `json:"cluster"`
	DN            string             `json:"dn"`
	Modifications []modificationDTO  `json:"modifications"`
}

func changeOpFromString(s string) (ldapgw.ChangeOp, error) {
	switch s {
	case "add":
		return ldapgw.ChangeAdd, nil
	case "replace":
		return ldapgw.ChangeReplace, nil
	case "delete":
		return ldapgw.ChangeDelete, nil
	default:
		return 0, apierr.BadRequest("unknown modification op %q", s)
	}
}

// updateHandler implements PUT /entries/update.
func (a *App) updateHandler(c *fiber.Ctx) error {
	var req updateRequest
	if err := c.BodyParser(&req); err != nil {
		return apierr.BadRequest("invalid request body: %v", err)
	}

	if req.Cluster == "" || req.DN == "" {
		return apierr.BadRequest("cluster and dn are required")
	}

	cluster, err := a.clusters.byName(req.Cluster)
	if err != nil {
		return err
	}

	changes := make([]ldapgw.Change, 0, len(req.Modifications))

	for _, m := range req.Modifications {
		op, err := changeOpFromString(m.Op)
		if err != nil {
			return err
		}

		changes = append(changes, ldapgw.Change{Op: op, Attribute: m.Attribute, Values: m.Values})
	}

	start := time.Now()

	if err := a.dir.Update(c.UserContext(), cluster, req.DN, changes); err != nil {
		auditLog(c, zerolog.InfoLevel, cluster.Name, req.DN, "update", "error", start)

		return err
	}

	auditLog(c, zerolog.InfoLevel, cluster.Name, req.DN, "update", "ok", start)

	return c.JSON(fiber.Map{"updated": true})
}

// deleteHandler implements DELETE /entries/delete?cluster&dn.
func (a *App) deleteHandler(c *fiber.Ctx) error {
	dn := c.Query("dn")
	if dn == "" {
		return apierr.BadRequest("dn is required")
	}

	cluster, err := a.clusters.byName(c.Query("cluster"))
	if err != nil {
		return err
	}

	start := time.Now()

	if err := a.dir.Delete(c.UserContext(), cluster, dn); err != nil {
		auditLog(c, zerolog.WarnLevel, cluster.Name, dn, "delete", "error", start)

		return err
	}

	auditLog(c, zerolog.WarnLevel, cluster.Name, dn, "delete", "ok", start)

	return c.JSON(fiber.Map{"deleted": true})
}

// listGroupsHandler implements GET /entries/groups/all?cluster=.
func (a *App) listGroupsHandler(c *fiber.Ctx) error {
	cluster, err := a.clusters.byName(c.Query("cluster"))
	if err != nil {
		return err
	}

	groups, err := a.dir.ListGroups(c.UserContext(), cluster)
	if err != nil {
		return err
	}

	return c.JSON(entriesToDTO(groups))
}

// userGroupsGetHandler implements GET /entries/user/groups?cluster&user_dn.
func (a *App) userGroupsGetHandler(c *fiber.Ctx) error {
	cluster, err := a.clusters.byName(c.Query("cluster"))
	if err != nil {
		return err
	}

	userDN := c.Query("user_dn")
	if userDN == "" {
		return apierr.BadRequest("user_dn is required")
	}

	groups, err := a.dir.UserGroups(c.UserContext(), cluster, userDN)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{"groups": groups})
}

type setUserGroupsRequest struct {
	Cluster string   `json:"cluster"`
	UserDN  string   `json:"user_dn"`
	Groups  []string `json:"groups"`
}

// userGroupsPutHandler implements PUT /entries/user/groups: the
// group-membership transaction of spec.md §4.5. A partial failure is
// reported as HTTP 200 with status "partial" and an errors list holding one
// message that names every group whose update failed, never a rolled-back
// mutation.
func (a *App) userGroupsPutHandler(c *fiber.Ctx) error {
	var req setUserGroupsRequest
	if err := c.BodyParser(&req); err != nil {
		return apierr.BadRequest("invalid request body: %v", err)
	}

	if req.Cluster == "" || req.UserDN == "" {
		return apierr.BadRequest("cluster and user_dn are required")
	}

	cluster, err := a.clusters.byName(req.Cluster)
	if err != nil {
		return err
	}

	err = a.dir.SetUserGroups(c.UserContext(), cluster, req.UserDN, req.Groups)
	if err == nil {
		return c.JSON(fiber.Map{"status": "ok"})
	}

	if apierr.KindOf(err) == apierr.KindPartialSuccess {
		return c.JSON(fiber.Map{"status": "partial", "errors": []string{err.Error()}})
	}

	return err
}
