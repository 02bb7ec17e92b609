package plugin

import (
	"encoding/json"
	"fmt"
)

// DecodeParams decodes raw params into a typed struct via a JSON round trip.
// Unknown keys are ignored; nil params yield the zero value of T.
func DecodeParams[T any](params Params) (T, error) {
	var out T
	if len(params) == 0 {
		return out, nil
	}
	b, err := json.Marshal(params)
	if err != nil {
		return out, fmt.Errorf("params: %w", err)
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, fmt.Errorf("params: %w", err)
	}
	return out, nil
}
