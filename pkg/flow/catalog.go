package flow

import (
	"fmt"
	"sort"
	"sync"
)

// ErrCodeUnknownDefinition is the code of a lookup for an unregistered flow type.
const ErrCodeUnknownDefinition = "UNKNOWN_DEFINITION"

// ErrUnknownDefinition matches lookups of unregistered flow types.
var ErrUnknownDefinition = &Error{Class: ErrorClassProgramming, Code: ErrCodeUnknownDefinition}

// Catalog maps flow types to their definitions.
type Catalog struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewCatalog creates a catalog holding the given definitions.
func NewCatalog(defs ...*Definition) (*Catalog, error) {
	c := &Catalog{defs: make(map[string]*Definition)}
	for _, d := range defs {
		if err := c.Register(d); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Register adds a definition. Flow types are unique.
func (c *Catalog) Register(d *Definition) error {
	if d == nil || d.ID() == "" {
		return fmt.Errorf("definition requires an id")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.defs[d.ID()]; exists {
		return fmt.Errorf("definition %s is already registered", d.ID())
	}
	c.defs[d.ID()] = d
	return nil
}

// Definition returns the definition of a flow type.
func (c *Catalog) Definition(id string) (*Definition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.defs[id]
	if !ok {
		return nil, NewProgrammingError(fmt.Sprintf("unknown flow type %q", id), nil).
			WithCode(ErrCodeUnknownDefinition)
	}
	return d, nil
}

// IDs returns the registered flow types, sorted.
func (c *Catalog) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.defs))
	for id := range c.defs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
