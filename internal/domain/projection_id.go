package domain

import (
	"fmt"
	"strings"
)

// DefaultKey is the key used by projections that run as a single instance.
const DefaultKey = "0"

// ProjectionID identifies one running instance of a projection.
// Name is the logical projection; Key distinguishes its shards.
type ProjectionID struct {
	Name string
	Key  string
}

// NewProjectionID builds an id, falling back to DefaultKey for an empty key.
func NewProjectionID(name, key string) ProjectionID {
	key = strings.TrimSpace(key)
	if key == "" {
		key = DefaultKey
	}
	return ProjectionID{Name: strings.TrimSpace(name), Key: key}
}

// Validate checks that both parts are present.
func (id ProjectionID) Validate() error {
	if id.Name == "" {
		return fmt.Errorf("projection name is required")
	}
	if id.Key == "" {
		return fmt.Errorf("projection key is required for %q", id.Name)
	}
	return nil
}

func (id ProjectionID) String() string {
	return id.Name + "-" + id.Key
}
