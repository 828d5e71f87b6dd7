// Package directory implements the directory-service use-case layer of
// spec.md §4.5: listing/searching, creating, updating and deleting entries
// under a cluster's declarative views, and managing group membership. It
// sits above internal/ldapgw and never touches the LDAP wire protocol
// directly, mirroring the teacher's separation between internal/ldap_cache
// (use-case/cache layer) and internal/ldap (wire layer).
package directory

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	ldap "github.com/go-ldap/ldap/v3"

	"github.com/netresearch/ldapgw/internal/apierr"
	"github.com/netresearch/ldapgw/internal/config"
	"github.com/netresearch/ldapgw/internal/ldapgw"
)

// Service is the directory use-case layer for one gateway.
type Service struct {
	gw     *ldapgw.Gateway
	groups *groupCache
}

// defaultGroupCacheTTL bounds how long a cluster's "all groups" listing is
// served from cache before the next call forces a fresh subtree scan.
const defaultGroupCacheTTL = 30 * time.Second

// New constructs a directory Service backed by gw.
func New(gw *ldapgw.Gateway) *Service {
	return &Service{gw: gw, groups: newGroupCache(defaultGroupCacheTTL)}
}

// Stats summarizes entry counts per view for a cluster's health surface.
type Stats struct {
	Users  int
	Groups int
	OUs    int
}

// Page is one page of a list/search operation, matching the
// {entries, page, page_size, total, has_more} shape of spec.md §4.5.
type Page struct {
	Entries  []ldapgw.Entry
	Page     int
	PageSize int
	Total    int
	HasMore  bool
}

func resolveView(view string) (config.View, error) {
	v := config.View(view)
	if !v.Valid() {
		return "", apierr.BadRequest("unknown view %q", view)
	}

	return v, nil
}

// List returns one page of entries for a cluster's view, optionally
// narrowed by a free-text query over the cluster's configured search
// attributes. page is 0-indexed; pageSize <= 0 defaults to 100.
func (s *Service) List(ctx context.Context, cluster *config.Cluster, view, query string, page, pageSize int) (*Page, error) {
	v, err := resolveView(view)
	if err != nil {
		return nil, err
	}

	if pageSize <= 0 {
		pageSize = 100
	}

	if page < 0 {
		page = 0
	}

	filter := ldapgw.SearchQueryFilter(v.BaseFilter(), query, cluster.SearchAttrs())

	collected, hasMore, err := s.collectPage(ctx, cluster, filter, page*pageSize, pageSize)
	if err != nil {
		return nil, err
	}

	total, err := s.countFiltered(ctx, cluster, filter)
	if err != nil {
		return nil, err
	}

	return &Page{Entries: collected, Page: page, PageSize: pageSize, Total: total, HasMore: hasMore}, nil
}

// collectPage walks the filtered result set, skipping the first `skip`
// entries and collecting up to `limit` after that. hasMore reports whether
// at least one further entry exists beyond the collected window.
func (s *Service) collectPage(ctx context.Context, cluster *config.Cluster, filter string, skip, limit int) ([]ldapgw.Entry, bool, error) {
	iter, err := s.gw.SearchPaged(ctx, cluster, cluster.BaseDN, ldap.ScopeWholeSubtree, filter, nil, defaultScanPageSize, 0)
	if err != nil {
		return nil, false, err
	}
	defer iter.Close()

	collected := make([]ldapgw.Entry, 0, limit)
	seen := 0
	hasMore := false

	for {
		p, err := iter.Next(ctx)
		if err != nil {
			if isEOF(err) {
				break
			}

			return nil, false, err
		}

		for _, e := range p.Entries {
			switch {
			case seen < skip:
			case len(collected) < limit:
				collected = append(collected, e)
			default:
				hasMore = true
			}

			seen++

			if hasMore {
				return collected, true, nil
			}
		}

		if !p.HasMore {
			break
		}
	}

	return collected, hasMore, nil
}

func (s *Service) countFiltered(ctx context.Context, cluster *config.Cluster, filter string) (int, error) {
	iter, err := s.gw.SearchPaged(ctx, cluster, cluster.BaseDN, ldap.ScopeWholeSubtree, filter, []string{"1.1"}, defaultScanPageSize, 0)
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	total := 0

	for {
		p, err := iter.Next(ctx)
		if err != nil {
			if isEOF(err) {
				break
			}

			return 0, err
		}

		total += len(p.Entries)

		if !p.HasMore {
			break
		}
	}

	return total, nil
}

const defaultScanPageSize = 500

// Stats counts entries per canonical view for a cluster.
func (s *Service) Stats(ctx context.Context, cluster *config.Cluster) (*Stats, error) {
	users, err := s.countFiltered(ctx, cluster, config.ViewUsers.BaseFilter())
	if err != nil {
		return nil, err
	}

	groups, err := s.countFiltered(ctx, cluster, config.ViewGroups.BaseFilter())
	if err != nil {
		return nil, err
	}

	ous, err := s.countFiltered(ctx, cluster, config.ViewOUs.BaseFilter())
	if err != nil {
		return nil, err
	}

	return &Stats{Users: users, Groups: groups, OUs: ous}, nil
}

// Create resolves a cluster's declarative user-creation template and adds
// the resulting entry under dn.
func (s *Service) Create(ctx context.Context, cluster *config.Cluster, dn string, values map[string]string) error {
	if cluster.ReadOnly {
		return apierr.Forbidden("cluster %s is read-only", cluster.Name)
	}

	defer s.groups.invalidate(cluster.Name)

	return s.gw.CreateWithTemplate(ctx, cluster, dn, cluster.UserTemplate, values)
}

// Update applies a set of attribute changes to an existing entry.
func (s *Service) Update(ctx context.Context, cluster *config.Cluster, dn string, changes []ldapgw.Change) error {
	if cluster.ReadOnly {
		return apierr.Forbidden("cluster %s is read-only", cluster.Name)
	}

	defer s.groups.invalidate(cluster.Name)

	return s.gw.Modify(ctx, cluster, dn, changes)
}

// Delete removes an entry by DN.
func (s *Service) Delete(ctx context.Context, cluster *config.Cluster, dn string) error {
	if cluster.ReadOnly {
		return apierr.Forbidden("cluster %s is read-only", cluster.Name)
	}

	defer s.groups.invalidate(cluster.Name)

	return s.gw.Delete(ctx, cluster, dn)
}

// ListGroups returns every group entry in the cluster, for the "all groups"
// picker surface. Results are served from groups, a short-lived read-through
// cache, since this is a full-subtree scan callers tend to repeat while
// populating a single form.
func (s *Service) ListGroups(ctx context.Context, cluster *config.Cluster) ([]ldapgw.Entry, error) {
	if cached, ok := s.groups.get(cluster.Name); ok {
		return cached, nil
	}

	entries, err := s.collectAll(ctx, cluster, config.ViewGroups.BaseFilter(), nil)
	if err != nil {
		return nil, err
	}

	s.groups.set(cluster.Name, entries)

	return entries, nil
}

func (s *Service) collectAll(ctx context.Context, cluster *config.Cluster, filter string, attrs []string) ([]ldapgw.Entry, error) {
	iter, err := s.gw.SearchPaged(ctx, cluster, cluster.BaseDN, ldap.ScopeWholeSubtree, filter, attrs, defaultScanPageSize, 0)
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var all []ldapgw.Entry

	for {
		p, err := iter.Next(ctx)
		if err != nil {
			if isEOF(err) {
				break
			}

			return nil, err
		}

		all = append(all, p.Entries...)

		if !p.HasMore {
			break
		}
	}

	return all, nil
}

// UserGroups returns the DNs of every group listing userDN as a member,
// whether via the groupOfNames/posixGroup "member" attribute or the
// groupOfUniqueNames "uniqueMember" attribute.
func (s *Service) UserGroups(ctx context.Context, cluster *config.Cluster, userDN string) ([]string, error) {
	escaped := ldapgw.EscapeFilterValue(userDN)
	filter := ldapgw.And(config.ViewGroups.BaseFilter(), ldapgw.Or("(member="+escaped+")", "(uniqueMember="+escaped+")"))

	entries, err := s.collectAll(ctx, cluster, filter, []string{"1.1"})
	if err != nil {
		return nil, err
	}

	dns := make([]string, 0, len(entries))
	for _, e := range entries {
		dns = append(dns, e.DN)
	}

	return dns, nil
}

// memberAttribute returns the attribute a group uses to record membership:
// "uniqueMember" for groupOfUniqueNames, "member" for every other view group
// (groupOfNames, posixGroup), per spec.md §4.5.
func memberAttribute(objectClasses []string) string {
	for _, oc := range objectClasses {
		if strings.EqualFold(oc, "groupOfUniqueNames") {
			return "uniqueMember"
		}
	}

	return "member"
}

// groupObjectClass reads a group entry's objectClass values, used to decide
// which membership attribute a given group's modify call must touch.
func (s *Service) groupObjectClass(ctx context.Context, cluster *config.Cluster, groupDN string) ([]string, error) {
	entry, err := s.gw.ReadEntry(ctx, cluster, groupDN, []string{"objectClass"})
	if err != nil {
		return nil, err
	}

	return entry.Attributes["objectClass"], nil
}

// SetUserGroups reconciles userDN's group membership to exactly want,
// diffing against the groups the user currently belongs to so unaffected
// memberships issue no modify call at all — calling SetUserGroups with the
// user's current groups is therefore a no-op. If some but not all of the
// required modifies succeed, the returned error carries
// apierr.KindPartialSuccess naming the groups that were not updated.
func (s *Service) SetUserGroups(ctx context.Context, cluster *config.Cluster, userDN string, want []string) error {
	if cluster.ReadOnly {
		return apierr.Forbidden("cluster %s is read-only", cluster.Name)
	}

	defer s.groups.invalidate(cluster.Name)

	current, err := s.UserGroups(ctx, cluster, userDN)
	if err != nil {
		return err
	}

	currentSet := make(map[string]bool, len(current))
	for _, dn := range current {
		currentSet[dn] = true
	}

	wantSet := make(map[string]bool, len(want))
	for _, dn := range want {
		wantSet[dn] = true
	}

	var toAdd, toRemove []string

	for _, dn := range want {
		if !currentSet[dn] {
			toAdd = append(toAdd, dn)
		}
	}

	for _, dn := range current {
		if !wantSet[dn] {
			toRemove = append(toRemove, dn)
		}
	}

	var failed []string

	for _, groupDN := range toAdd {
		attr := "member"
		if oc, err := s.groupObjectClass(ctx, cluster, groupDN); err == nil {
			attr = memberAttribute(oc)
		}

		change := []ldapgw.Change{{Op: ldapgw.ChangeAdd, Attribute: attr, Values: []string{userDN}}}
		if err := s.gw.Modify(ctx, cluster, groupDN, change); err != nil {
			failed = append(failed, groupDN)
		}
	}

	for _, groupDN := range toRemove {
		attr := "member"
		if oc, err := s.groupObjectClass(ctx, cluster, groupDN); err == nil {
			attr = memberAttribute(oc)
		}

		change := []ldapgw.Change{{Op: ldapgw.ChangeDelete, Attribute: attr, Values: []string{userDN}}}
		if err := s.gw.Modify(ctx, cluster, groupDN, change); err != nil {
			failed = append(failed, groupDN)
		}
	}

	if len(failed) > 0 {
		return apierr.New(apierr.KindPartialSuccess, "group membership partially updated; failed: "+joinComma(failed))
	}

	return nil
}

func joinComma(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ", "
		}

		out += s
	}

	return out
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF)
}
