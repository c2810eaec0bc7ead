package action

import (
	"bytes"
	"encoding/json"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/tjfontaine/polyglot-turn-engine/internal/core/domain"
)

// SchemaCache compiles JSON schemas once and keeps the most recently used.
type SchemaCache struct {
	cache *lru.Cache[string, *jsonschema.Schema]
}

// NewSchemaCache creates a cache holding up to size compiled schemas.
func NewSchemaCache(size int) *SchemaCache {
	if size <= 0 {
		size = 256
	}
	cache, _ := lru.New[string, *jsonschema.Schema](size)
	return &SchemaCache{cache: cache}
}

func (c *SchemaCache) compile(schema json.RawMessage) (*jsonschema.Schema, error) {
	key := string(schema)
	if s, ok := c.cache.Get(key); ok {
		return s, nil
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("failed to load schema: %w", err)
	}
	s, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	c.cache.Add(key, s)
	return s, nil
}

// Validate checks doc against schema. An empty schema accepts any object.
// Violations are KindValidation errors whose message the model can act on.
func (c *SchemaCache) Validate(schema, doc json.RawMessage) error {
	var v any
	if err := json.Unmarshal(doc, &v); err != nil {
		return domain.WrapError(domain.KindValidation, "arguments are not valid JSON", err)
	}
	if len(schema) == 0 {
		if _, ok := v.(map[string]any); !ok {
			return domain.NewError(domain.KindValidation, "arguments must be a JSON object")
		}
		return nil
	}

	s, err := c.compile(schema)
	if err != nil {
		return domain.WrapError(domain.KindInternal, "invalid capability schema", err)
	}
	if err := s.Validate(v); err != nil {
		return domain.NewError(domain.KindValidation, err.Error())
	}
	return nil
}
