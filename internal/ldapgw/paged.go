package ldapgw

import (
	"context"
	"errors"
	"io"

	ldap "github.com/go-ldap/ldap/v3"
	"github.com/rs/zerolog/log"

	"github.com/netresearch/ldapgw/internal/pool"
)

// Page is one page of a paged search, per RFC 2696.
type Page struct {
	Entries []Entry
	HasMore bool
}

// PagedSearch is a single-use, lazy RFC 2696 paged-search iterator: it owns
// the server's opaque paging cookie and the underlying pooled session for
// its entire lifetime. Calling Next advances one page at a time; Close is
// mandatory on early exit so the cookie gets abandoned and the session
// returns to the pool, per spec.md §4.4.
type PagedSearch struct {
	gw *Gateway

	sess *pool.Session

	baseDN   string
	scope    int
	filter   string
	attrs    []string
	pageSize int
	maxPages int

	cookie       []byte
	pagesFetched int
	done         bool
	closed       bool
}

// Next fetches the next page. It returns io.EOF (with a nil page) once the
// search is exhausted; callers must stop calling Next at that point. Next
// must not be called after Close.
func (p *PagedSearch) Next(ctx context.Context) (*Page, error) {
	if p.closed {
		return nil, errors.New("ldapgw: Next called on a closed PagedSearch")
	}

	if p.done {
		return nil, io.EOF
	}

	if p.maxPages > 0 && p.pagesFetched >= p.maxPages {
		p.done = true

		return nil, io.EOF
	}

	conn, ok := p.sess.Handle.(ldapConn)
	if !ok {
		p.done = true

		return nil, errors.New("ldapgw: pooled session handle is not an LDAP connection")
	}

	paging := ldap.NewControlPaging(uint32(p.pageSize))
	if len(p.cookie) > 0 {
		paging.SetCookie(p.cookie)
	}

	req := ldap.NewSearchRequest(
		p.baseDN, p.scope, ldap.NeverDerefAliases, 0, int(p.gw.opTimeout.Seconds()), false,
		p.filter, p.attrs, []ldap.Control{paging},
	)

	result, err := conn.Search(req)
	if err != nil {
		p.done = true

		return nil, mapLDAPError(err)
	}

	entries := make([]Entry, 0, len(result.Entries))
	for _, e := range result.Entries {
		entries = append(entries, entryFromLDAP(e))
	}

	nextCookie := pagingCookie(result.Controls)
	p.pagesFetched++

	switch {
	case len(nextCookie) > 0:
		p.cookie = nextCookie
	case len(entries) >= p.pageSize:
		// The server returned no cookie but filled the page: it most likely
		// doesn't support server-side paging at all. We cannot distinguish
		// that from a genuinely final full page, so we terminate and warn
		// rather than loop forever re-requesting the same results.
		log.Warn().Str("base_dn", p.baseDN).Msg("search server returned no paging cookie on a full page; terminating iteration")
		p.done = true
	default:
		p.done = true
	}

	return &Page{Entries: entries, HasMore: !p.done}, nil
}

// pagingCookie extracts the response paging control's cookie, if present.
func pagingCookie(controls []ldap.Control) []byte {
	for _, c := range controls {
		if pc, ok := c.(*ldap.ControlPaging); ok {
			return pc.Cookie
		}
	}

	return nil
}

// Close releases the iterator's pooled session. If the search was not
// exhausted, it best-effort sends a zero-size-page request carrying the
// current cookie, which per RFC 2696 signals the server to abandon its
// paged result set. Close is idempotent.
func (p *PagedSearch) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true

	if !p.done && len(p.cookie) > 0 {
		if conn, ok := p.sess.Handle.(ldapConn); ok {
			abandon := ldap.NewControlPaging(0)
			abandon.SetCookie(p.cookie)

			req := ldap.NewSearchRequest(
				p.baseDN, p.scope, ldap.NeverDerefAliases, 0, 0, false,
				p.filter, []string{"1.1"}, []ldap.Control{abandon},
			)

			if _, err := conn.Search(req); err != nil {
				log.Debug().Err(err).Str("base_dn", p.baseDN).Msg("failed to abandon paging cookie on close")
			}
		}
	}

	p.gw.pool.Release(p.sess, true)

	return nil
}
