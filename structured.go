package haven

import (
	"context"
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// InteractStructured runs the agent and decodes its structured output into
// T. When the definition declares no output schema, one is derived from T
// (json and jsonschema struct tags apply). Non-ok results pass through with
// the zero T.
func InteractStructured[T any](ctx context.Context, e *Engine, input string, opts ...RunOption) (T, *RunResult) {
	var zero T

	eng := e
	if e.outputSchema == nil {
		raw, err := deriveSchema[T]()
		if err != nil {
			return zero, &RunResult{
				Status: StatusError,
				Error:  wrapRunError(ErrKindStructuredParse, err, "deriving output schema: %v", err),
			}
		}
		compiled, err := compileSchema(raw)
		if err != nil {
			return zero, &RunResult{
				Status: StatusError,
				Error:  wrapRunError(ErrKindStructuredParse, err, "derived output schema does not compile: %v", err),
			}
		}
		derived := *e
		derived.def.OutputSchema = raw
		derived.outputSchema = compiled
		eng = &derived
	}

	res := eng.Interact(ctx, input, opts...)
	if res.Status != StatusOK {
		return zero, res
	}

	var out T
	if err := json.Unmarshal(res.Structured, &out); err != nil {
		res.Status = StatusError
		res.Error = wrapRunError(ErrKindStructuredParse, err, "structured output does not decode into the target type: %v", err)
		return zero, res
	}
	return out, res
}

// deriveSchema reflects T into an inline JSON Schema document.
func deriveSchema[T any]() (json.RawMessage, error) {
	reflector := &jsonschema.Reflector{
		ExpandedStruct: true,
		DoNotReference: true,
	}
	schema := reflector.Reflect(new(T))
	return json.Marshal(schema)
}
