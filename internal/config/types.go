// Package config provides the validated cluster topology and per-process
// settings consumed by the gateway core. Declarative YAML config is loaded
// once at startup and is not reloaded while running; the in-memory Cluster values are
// treated as immutable while referenced by in-flight operations.
package config

// OpClass is the selector class an operation belongs to.
type OpClass int

const (
	ClassRead OpClass = iota
	ClassWrite
	ClassHealth
)

func (c OpClass) String() string {
	switch c {
	case ClassWrite:
		return "WRITE"
	case ClassHealth:
		return "HEALTH"
	default:
		return "READ"
	}
}

// Node is a single (host, port) endpoint with an assigned positional index.
// Index 0 is always the master / write target.
type Node struct {
	Host  string `yaml:"host"`
	Port  int    `yaml:"port"`
	Label string `yaml:"label"`
	Index int    `yaml:"-"`
}

// FieldType enumerates the declarative form-field types the form-generation
// facade understands. Options is required iff Type is FieldSelect.
type FieldType string

const (
	FieldText     FieldType = "text"
	FieldEmail    FieldType = "email"
	FieldPassword FieldType = "password"
	FieldNumber   FieldType = "number"
	FieldSelect   FieldType = "select"
	FieldCheckbox FieldType = "checkbox"
)

// FormField is one declarative field of a cluster's user-creation template.
// Values placed into the entry's attribute map may reference placeholders
// resolved by the gateway: next_uid, days_since_epoch, ${field}.
type FormField struct {
	Name      string    `yaml:"name"`
	Attribute string    `yaml:"attribute"`
	Type      FieldType `yaml:"type"`
	Options   []string  `yaml:"options,omitempty"`
	Required  bool      `yaml:"required"`
}

// UserCreationTemplate is the declarative per-cluster create form plus the
// literal/placeholder attribute template applied on creation.
type UserCreationTemplate struct {
	Fields     []FormField       `yaml:"fields"`
	Attributes map[string]string `yaml:"attributes"`
	ObjectClass []string         `yaml:"object_class"`
}

// ColumnDescriptor names one attribute shown in a view's listing table.
type ColumnDescriptor struct {
	Attribute string `yaml:"attribute"`
	Label     string `yaml:"label"`
}

// PasswordPolicy is a cluster's password policy as consumed by the (external)
// form-generation facade; the core does not enforce it beyond passing it
// through.
type PasswordPolicy struct {
	MinLength          int  `yaml:"min_length"`
	RequireConfirmation bool `yaml:"require_confirmation"`
}

// View is a canonical filter selecting a class of directory entries.
type View string

const (
	ViewUsers  View = "users"
	ViewGroups View = "groups"
	ViewOUs    View = "ous"
	ViewAll    View = "all"
)

// BaseFilter returns the canonical LDAP filter for this view, per spec.md §4.5.
func (v View) BaseFilter() string {
	switch v {
	case ViewUsers:
		return "(|(objectClass=inetOrgPerson)(objectClass=posixAccount)(objectClass=account))"
	case ViewGroups:
		return "(|(objectClass=groupOfNames)(objectClass=groupOfUniqueNames)(objectClass=posixGroup))"
	case ViewOUs:
		return "(objectClass=organizationalUnit)"
	default:
		return "(objectClass=*)"
	}
}

// Valid reports whether v is one of the four recognized views.
func (v View) Valid() bool {
	switch v {
	case ViewUsers, ViewGroups, ViewOUs, ViewAll:
		return true
	default:
		return false
	}
}

// defaultSearchAttributes is used when a cluster does not declare its own.
var defaultSearchAttributes = []string{"uid", "cn", "mail", "sn"}

// Cluster is a named directory endpoint. Exactly one of Host or Nodes is set.
type Cluster struct {
	Name             string               `yaml:"name"`
	Host             string               `yaml:"host,omitempty"`
	Port             int                  `yaml:"port,omitempty"`
	Nodes            []Node               `yaml:"nodes,omitempty"`
	BindDN           string               `yaml:"bind_dn"`
	BaseDN           string               `yaml:"base_dn"`
	ReadOnly         bool                 `yaml:"readonly"`
	UserTemplate     UserCreationTemplate `yaml:"user_template"`
	Columns          map[View][]ColumnDescriptor `yaml:"columns"`
	PasswordPolicy   PasswordPolicy       `yaml:"password_policy"`
	SearchAttributes []string             `yaml:"search_attributes,omitempty"`
}

// AllNodes returns the cluster's nodes in declared order, synthesizing a
// single-element slice when the cluster was configured with a bare Host.
func (c *Cluster) AllNodes() []Node {
	if len(c.Nodes) > 0 {
		return c.Nodes
	}

	return []Node{{Host: c.Host, Port: c.Port, Label: c.Name, Index: 0}}
}

// MasterNode returns node index 0, the designated write target.
func (c *Cluster) MasterNode() Node {
	return c.AllNodes()[0]
}

// SearchAttrs returns the cluster's configured search attributes, falling
// back to the documented default (uid, cn, mail, sn).
func (c *Cluster) SearchAttrs() []string {
	if len(c.SearchAttributes) > 0 {
		return c.SearchAttributes
	}

	return defaultSearchAttributes
}

// UsersBaseDN is the subtree the gateway scans for uidNumber allocation; by
// convention this is the cluster's base DN itself, since the declarative
// template decides the final RDN/OU placement.
func (c *Cluster) UsersBaseDN() string {
	return c.BaseDN
}
