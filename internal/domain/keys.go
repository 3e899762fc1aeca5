package domain

import "fmt"

// DefaultGroup is the group assigned to jobs and triggers created without an
// explicit group.
const DefaultGroup = "DEFAULT"

// RecoveryGroup is the group of triggers synthesized during crash recovery
// for jobs that request it.
const RecoveryGroup = "RECOVERING_JOBS"

// Key identifies a job or trigger within a logical scheduler instance.
type Key struct {
	Group string
	Name  string
}

// NewKey creates a key in the given group. An empty group maps to DefaultGroup.
func NewKey(group, name string) Key {
	if group == "" {
		group = DefaultGroup
	}
	return Key{Group: group, Name: name}
}

func (k Key) String() string {
	return k.Group + "." + k.Name
}

// IsZero reports whether the key has neither group nor name set.
func (k Key) IsZero() bool {
	return k.Group == "" && k.Name == ""
}

// Validate checks that both components are present.
func (k Key) Validate() error {
	if k.Name == "" {
		return fmt.Errorf("key name must not be empty")
	}
	if k.Group == "" {
		return fmt.Errorf("key group must not be empty")
	}
	return nil
}
