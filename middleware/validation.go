package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/kernelworks/axon/event"
)

// ValidationOptions configures the validation middleware. Schemas maps event
// types to JSON Schema documents (raw JSON, draft 2020-12). Events whose type
// has no schema pass through unvalidated.
type ValidationOptions struct {
	// Schemas holds the raw schema document per event type.
	Schemas map[string]json.RawMessage
}

// Validation returns a handler middleware that checks event payloads against
// per-type JSON schemas. Schemas are compiled once at construction; a schema
// violation is a permanent failure and should not be retried.
func Validation(opts ValidationOptions) (Middleware, error) {
	compiler := jsonschema.NewCompiler()
	compiled := make(map[string]*jsonschema.Schema, len(opts.Schemas))
	for eventType, raw := range opts.Schemas {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return Middleware{}, fmt.Errorf("parse schema for %s: %w", eventType, err)
		}
		url := "axon:///schemas/" + eventType + ".json"
		if err := compiler.AddResource(url, doc); err != nil {
			return Middleware{}, fmt.Errorf("add schema for %s: %w", eventType, err)
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			return Middleware{}, fmt.Errorf("compile schema for %s: %w", eventType, err)
		}
		compiled[eventType] = schema
	}
	return Middleware{
		Name:     "validation",
		Kind:     KindHandler,
		Priority: 50,
		Wrap: func(next event.Handler) event.Handler {
			return func(ctx context.Context, ev *event.Event) (any, error) {
				schema, ok := compiled[ev.Type]
				if !ok {
					return next(ctx, ev)
				}
				inst, err := normalizeInstance(ev.Data)
				if err != nil {
					return nil, fmt.Errorf("validation: event %s payload is not valid JSON: %w", ev.ID, err)
				}
				if err := schema.Validate(inst); err != nil {
					return nil, fmt.Errorf("validation: event %s failed schema for %s: %w", ev.ID, ev.Type, err)
				}
				return next(ctx, ev)
			}
		},
	}, nil
}

// normalizeInstance round-trips the payload through JSON so the validator
// sees the canonical decoded form regardless of how the event was built.
func normalizeInstance(data any) (any, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(raw))
}
