package provider

import (
	"encoding/json"
	"fmt"
)

// MergeBody renders a typed vendor request and overlays passthrough options
// that the typed request does not already set.
func MergeBody(base any, extra map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	body := make(map[string]any)
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("unmarshal request: %w", err)
	}

	for k, v := range extra {
		if _, taken := body[k]; !taken {
			body[k] = v
		}
	}

	return body, nil
}
