package ldapgw

import ldap "github.com/go-ldap/ldap/v3"

// Entry is a directory entry: a DN plus an attribute map preserving the
// server's returned value order for multi-valued attributes, per spec.md §3.
type Entry struct {
	DN         string
	Attributes map[string][]string
}

// Attr returns the first value of attribute name, or "" if absent.
func (e *Entry) Attr(name string) string {
	vals := e.Attributes[name]
	if len(vals) == 0 {
		return ""
	}

	return vals[0]
}

func entryFromLDAP(e *ldap.Entry) Entry {
	attrs := make(map[string][]string, len(e.Attributes))
	for _, a := range e.Attributes {
		attrs[a.Name] = a.Values
	}

	return Entry{DN: e.DN, Attributes: attrs}
}

// ChangeOp discriminates the kind of LDAP modify operation applied to one
// attribute.
type ChangeOp int

const (
	ChangeAdd ChangeOp = iota
	ChangeReplace
	ChangeDelete
)

// Change is one attribute mutation within a Modify call.
type Change struct {
	Op        ChangeOp
	Attribute string
	Values    []string
}
