package domain

import (
	"dario.cat/mergo"
	json "github.com/goccy/go-json"
)

// MergeFields folds src into dst without mutating either. Later writers win
// on scalar conflicts, slices append, and nested maps merge recursively; this
// is the semantics edges rely on when several predecessors feed one node.
func MergeFields(dst, src map[string]interface{}) (map[string]interface{}, error) {
	if len(dst) == 0 {
		return CloneFields(src)
	}
	if len(src) == 0 {
		return CloneFields(dst)
	}

	merged, err := CloneFields(dst)
	if err != nil {
		return nil, err
	}
	incoming, err := CloneFields(src)
	if err != nil {
		return nil, err
	}

	if err := mergo.Merge(&merged, incoming,
		mergo.WithOverride,
		mergo.WithAppendSlice); err != nil {
		return nil, NewInternalError("merge fields", err)
	}

	return merged, nil
}

// CloneFields deep-copies a field map through a JSON round trip so the copy
// shares no nested structure with the original.
func CloneFields(fields map[string]interface{}) (map[string]interface{}, error) {
	if fields == nil {
		return map[string]interface{}{}, nil
	}

	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, NewInternalError("clone fields", err)
	}

	clone := make(map[string]interface{}, len(fields))
	if err := json.Unmarshal(raw, &clone); err != nil {
		return nil, NewInternalError("clone fields", err)
	}
	return clone, nil
}

// MappedFields projects a source output through an edge mapping. Mapping keys
// are target input fields, values name the source output field to read; a
// missing source field is skipped rather than written as nil. An empty
// mapping passes the whole output through.
func MappedFields(mapping map[string]string, output map[string]interface{}) (map[string]interface{}, error) {
	if len(mapping) == 0 {
		return CloneFields(output)
	}

	projected := make(map[string]interface{}, len(mapping))
	for targetField, sourceField := range mapping {
		value, ok := output[sourceField]
		if !ok {
			continue
		}
		projected[targetField] = value
	}
	return CloneFields(projected)
}
