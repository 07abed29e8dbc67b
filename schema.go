package haven

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// compileSchema compiles a raw JSON Schema document. Declarations carry raw
// schemas; compilation happens once, at registration or engine build time.
func compileSchema(raw json.RawMessage) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// validateJSON checks a raw JSON document against a compiled schema. The
// first return distinguishes malformed JSON from schema violations; both
// are reported through the error.
func validateJSON(schema *jsonschema.Schema, raw json.RawMessage) error {
	doc := raw
	if len(doc) == 0 {
		doc = json.RawMessage("{}")
	}
	var inst any
	if err := json.Unmarshal(doc, &inst); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if schema == nil {
		return nil
	}
	if err := schema.Validate(inst); err != nil {
		return err
	}
	return nil
}
