package ldapgw

import (
	"fmt"
	"strings"
)

// EscapeFilterValue escapes a substring that will be interpolated into an
// LDAP filter per RFC 4515: '*', '(', ')', '\\' and NUL become "\XX" hex
// escapes. This is the gateway's only sanctioned path for user-supplied
// filter input; raw user strings must never be concatenated into a filter
// directly.
func EscapeFilterValue(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	for i := 0; i < len(s); i++ {
		c := s[i]

		switch c {
		case '*', '(', ')', '\\', 0:
			fmt.Fprintf(&b, "\\%02x", c)
		default:
			b.WriteByte(c)
		}
	}

	return b.String()
}

// SubstringFilter builds "(attr=*escaped*)" for a single attribute, escaping
// value first.
func SubstringFilter(attr, value string) string {
	return fmt.Sprintf("(%s=*%s*)", attr, EscapeFilterValue(value))
}

// And combines filter expressions with a logical AND, skipping empty terms.
func And(terms ...string) string {
	return combine("&", terms)
}

// Or combines filter expressions with a logical OR, skipping empty terms.
func Or(terms ...string) string {
	return combine("|", terms)
}

func combine(op string, terms []string) string {
	nonEmpty := make([]string, 0, len(terms))

	for _, t := range terms {
		if t != "" {
			nonEmpty = append(nonEmpty, t)
		}
	}

	switch len(nonEmpty) {
	case 0:
		return ""
	case 1:
		return nonEmpty[0]
	default:
		return fmt.Sprintf("(%s%s)", op, strings.Join(nonEmpty, ""))
	}
}

// SearchQueryFilter composes the canonical view filter with a disjunction of
// substring matches over searchAttrs for a non-empty query, per spec.md
// §4.5. An empty query returns viewFilter unchanged.
func SearchQueryFilter(viewFilter, query string, searchAttrs []string) string {
	if query == "" {
		return viewFilter
	}

	terms := make([]string, 0, len(searchAttrs))
	for _, attr := range searchAttrs {
		terms = append(terms, SubstringFilter(attr, query))
	}

	return And(viewFilter, Or(terms...))
}
