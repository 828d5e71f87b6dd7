package ldapgw

import (
	"strings"
	"testing"
	"testing/quick"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEscapeFilterValueEscapesMetacharacters(t *testing.T) {
	assert.Equal(t, "\\2a", EscapeFilterValue("*"))
	assert.Equal(t, "\\28", EscapeFilterValue("("))
	assert.Equal(t, "\\29", EscapeFilterValue(")"))
	assert.Equal(t, "\\5c", EscapeFilterValue("\\"))
	assert.Equal(t, "\\00", EscapeFilterValue("\x00"))
	assert.Equal(t, "plain", EscapeFilterValue("plain"))
}

// Property 1 — escape(s) must never leave an unescaped metacharacter in the
// output, for any input string.
func TestEscapeFilterValueProperty(t *testing.T) {
	assertion := func(s string) bool {
		escaped := EscapeFilterValue(s)

		// Strip every valid "\XX" escape sequence; anything left must be free
		// of the four characters RFC 4515 requires us to escape.
		stripped := stripEscapeSequences(escaped)

		return !strings.ContainsAny(stripped, "*()\\")
	}

	require.NoError(t, quick.Check(assertion, &quick.Config{MaxCount: 2000}))
}

// stripEscapeSequences removes every "\XX" hex-escape token from s, leaving
// only the characters that were not produced by an escape.
func stripEscapeSequences(s string) string {
	var b strings.Builder

	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2]) {
			i += 2

			continue
		}

		b.WriteByte(s[i])
	}

	return b.String()
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func TestSearchQueryFilterComposesViewAndSubstrings(t *testing.T) {
	// S1-style scenario: a hostile query must never break out of the
	// substring term it was placed in. The exact byte-for-byte escape of
	// every injected metacharacter (not just the outer wildcards) is what
	// the invariant in spec.md §8 #1 requires.
	query := "*)(uid=*"
	attrs := []string{"uid", "cn", "mail", "sn"}
	viewFilter := "(|(objectClass=inetOrgPerson)(objectClass=posixAccount)(objectClass=account))"

	got := SearchQueryFilter(viewFilter, query, attrs)

	assert.True(t, strings.HasPrefix(got, "(&"+viewFilter))
	assert.Contains(t, got, "(uid=*"+EscapeFilterValue(query)+"*)")
	assert.Contains(t, got, "(cn=*"+EscapeFilterValue(query)+"*)")
	assert.NotContains(t, got, "*)(uid=*)") // the raw, unescaped injection must not appear
}

func TestSearchQueryFilterEmptyQueryReturnsViewFilterUnchanged(t *testing.T) {
	viewFilter := "(objectClass=*)"
	assert.Equal(t, viewFilter, SearchQueryFilter(viewFilter, "", []string{"uid"}))
}

func TestAndOrSkipEmptyTerms(t *testing.T) {
	assert.Equal(t, "(a)", And("", "(a)", ""))
	assert.Equal(t, "(&(a)(b))", And("(a)", "(b)"))
	assert.Equal(t, "", Or())
	assert.Equal(t, "(b)", Or("", "(b)"))
}
