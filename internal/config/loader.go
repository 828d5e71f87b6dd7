package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ValidationError represents a configuration validation error. Modeled on
// the teacher's internal/options.ValidationError: a typed, field-carrying
// error rather than a bare fmt.Errorf string, so callers can report which
// field failed.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("configuration error for %s: %s", e.Field, e.Message)
}

// document is the on-disk shape of the cluster topology file.
type document struct {
	Clusters []Cluster `yaml:"clusters"`
}

// LoadClusters reads and validates the cluster topology file at path.
// Validation failures return a ValidationError and the process is expected
// to fail at startup rather than run degraded, per spec.md §4.7.
func LoadClusters(path string) ([]Cluster, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading cluster config %s: %w", path, err)
	}

	return ParseClusters(raw)
}

// ParseClusters parses and validates cluster topology YAML from memory; used
// directly by LoadClusters and by tests that avoid the filesystem.
func ParseClusters(raw []byte) ([]Cluster, error) {
	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing cluster config: %w", err)
	}

	assignNodeIndexes(doc.Clusters)

	if err := Validate(doc.Clusters); err != nil {
		return nil, err
	}

	return doc.Clusters, nil
}

func assignNodeIndexes(clusters []Cluster) {
	for i := range clusters {
		for j := range clusters[i].Nodes {
			clusters[i].Nodes[j].Index = j
		}
	}
}

// Validate enforces the invariants required of a cluster list before the
// process is allowed to start: unique names, exactly one of host/nodes,
// ports in range, non-empty base DN, and well-formed form fields.
func Validate(clusters []Cluster) error {
	seen := make(map[string]struct{}, len(clusters))

	for i := range clusters {
		c := &clusters[i]

		if c.Name == "" {
			return ValidationError{Field: fmt.Sprintf("clusters[%d].name", i), Message: "must not be empty"}
		}

		if _, dup := seen[c.Name]; dup {
			return ValidationError{Field: "clusters[].name", Message: fmt.Sprintf("duplicate cluster name %q", c.Name)}
		}
		seen[c.Name] = struct{}{}

		if err := validateTopology(c); err != nil {
			return err
		}

		if c.BaseDN == "" {
			return ValidationError{Field: c.Name + ".base_dn", Message: "must not be empty"}
		}

		if err := validateFormFields(c); err != nil {
			return err
		}
	}

	return nil
}

func validateTopology(c *Cluster) error {
	hasHost := c.Host != ""
	hasNodes := len(c.Nodes) > 0

	if hasHost == hasNodes {
		return ValidationError{
			Field:   c.Name,
			Message: "exactly one of host or nodes must be set",
		}
	}

	if hasHost {
		if err := validatePort(c.Name+".port", c.Port); err != nil {
			return err
		}

		return nil
	}

	for i, n := range c.Nodes {
		if n.Host == "" {
			return ValidationError{
				Field:   fmt.Sprintf("%s.nodes[%d].host", c.Name, i),
				Message: "must not be empty",
			}
		}

		if err := validatePort(fmt.Sprintf("%s.nodes[%d].port", c.Name, i), n.Port); err != nil {
			return err
		}
	}

	return nil
}

func validatePort(field string, port int) error {
	if port < 1 || port > 65535 {
		return ValidationError{Field: field, Message: fmt.Sprintf("port %d out of range [1, 65535]", port)}
	}

	return nil
}

func validateFormFields(c *Cluster) error {
	for _, f := range c.UserTemplate.Fields {
		switch f.Type {
		case FieldText, FieldEmail, FieldPassword, FieldNumber, FieldCheckbox:
			if len(f.Options) != 0 {
				return ValidationError{
					Field:   c.Name + ".user_template.fields[" + f.Name + "]",
					Message: "options must be empty unless type is select",
				}
			}
		case FieldSelect:
			if len(f.Options) == 0 {
				return ValidationError{
					Field:   c.Name + ".user_template.fields[" + f.Name + "]",
					Message: "options is required when type is select",
				}
			}
		default:
			return ValidationError{
				Field:   c.Name + ".user_template.fields[" + f.Name + "]",
				Message: fmt.Sprintf("unknown field type %q", f.Type),
			}
		}
	}

	return nil
}

// ByName returns the cluster with the given name, or (nil, false).
func ByName(clusters []Cluster, name string) (*Cluster, bool) {
	for i := range clusters {
		if clusters[i].Name == name {
			return &clusters[i], true
		}
	}

	return nil, false
}
