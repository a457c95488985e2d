package core

import (
	"context"
	"fmt"

	"github.com/eleven-am/weft/internal/domain"
	"github.com/eleven-am/weft/internal/ports"
	json "github.com/goccy/go-json"
)

// TypedHandler adapts a handler with a typed input and output to the
// field-map signature the worker registry takes. The input fields are decoded
// into I through the same JSON shape node inputs travel as, so json tags on I
// select the fields; the returned O must marshal to a JSON object and becomes
// the node output.
func TypedHandler[I, O any](handler func(ctx context.Context, input I) (O, error)) ports.HandlerFunc {
	return func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
		var typed I
		raw, err := json.Marshal(input)
		if err != nil {
			return nil, domain.NewValidationError("handler", "encode input: "+err.Error())
		}
		if err := json.Unmarshal(raw, &typed); err != nil {
			return nil, domain.NewValidationError("handler", fmt.Sprintf("decode input into %T: %v", typed, err))
		}

		out, err := handler(ctx, typed)
		if err != nil {
			return nil, err
		}

		encoded, err := json.Marshal(out)
		if err != nil {
			return nil, domain.NewInternalError("encode handler output", err)
		}
		fields := make(map[string]interface{})
		if err := json.Unmarshal(encoded, &fields); err != nil {
			return nil, domain.NewInternalError(fmt.Sprintf("handler output %T is not an object", out), err)
		}
		return fields, nil
	}
}
