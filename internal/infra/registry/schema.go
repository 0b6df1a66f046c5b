package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"

	"basebot/internal/domain"
)

var errSchemaUnusable = errors.New("input schema unusable")

type resolvedSchema struct {
	raw      string
	resolved *jsonschema.Resolved
	err      error
}

// schemaCache keeps resolved input schemas keyed by qualified tool name.
type schemaCache struct {
	mu      sync.Mutex
	entries map[string]resolvedSchema
}

func newSchemaCache() *schemaCache {
	return &schemaCache{entries: make(map[string]resolvedSchema)}
}

func (c *schemaCache) validate(tool domain.ToolDescriptor, params map[string]any) error {
	if len(tool.InputSchema) == 0 {
		return nil
	}
	entry := c.resolve(tool)
	if entry.err != nil {
		return fmt.Errorf("%w: %v", errSchemaUnusable, entry.err)
	}
	instance := map[string]any{}
	for k, v := range params {
		instance[k] = v
	}
	// Round-trip through JSON so typed Go values validate as JSON values.
	raw, err := json.Marshal(instance)
	if err != nil {
		return err
	}
	var normalized any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return err
	}
	return entry.resolved.Validate(normalized)
}

func (c *schemaCache) resolve(tool domain.ToolDescriptor) resolvedSchema {
	key := QualifiedName(tool.Provider, tool.Name)
	raw := string(tool.InputSchema)

	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[key]; ok && entry.raw == raw {
		return entry
	}
	entry := resolvedSchema{raw: raw}
	var schema jsonschema.Schema
	if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
		entry.err = err
	} else if resolved, err := schema.Resolve(nil); err != nil {
		entry.err = err
	} else {
		entry.resolved = resolved
	}
	c.entries[key] = entry
	return entry
}

func (c *schemaCache) reset() {
	c.mu.Lock()
	c.entries = make(map[string]resolvedSchema)
	c.mu.Unlock()
}
