package postgres

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/snapvault/backend/internal/store"
)

// attrValue is the JSONB envelope for a single attribute. Exactly one field
// is set, keyed by type, so int64 and []byte values survive the round trip
// through JSON intact. Integers travel as strings to avoid float64 precision
// loss past 2^53.
type attrValue struct {
	S *string `json:"s,omitempty"`
	I *string `json:"i,omitempty"`
	T *bool   `json:"t,omitempty"`
	X []byte  `json:"x,omitempty"`
}

func encodeAttrs(item store.Item) ([]byte, error) {
	attrs := make(map[string]attrValue, len(item))

	for name, v := range item {
		av, err := encodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("attribute %s: %w", name, err)
		}
		attrs[name] = av
	}

	body, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal item attributes: %w", err)
	}

	return body, nil
}

func encodeValue(v any) (attrValue, error) {
	switch val := v.(type) {
	case string:
		return attrValue{S: &val}, nil
	case int64:
		s := strconv.FormatInt(val, 10)
		return attrValue{I: &s}, nil
	case bool:
		return attrValue{T: &val}, nil
	case []byte:
		return attrValue{X: val}, nil
	default:
		return attrValue{}, fmt.Errorf("unsupported attribute type %T", v)
	}
}

func decodeAttrs(body []byte) (store.Item, error) {
	var attrs map[string]attrValue

	if err := json.Unmarshal(body, &attrs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal item attributes: %w", err)
	}

	item := make(store.Item, len(attrs))

	for name, av := range attrs {
		switch {
		case av.S != nil:
			item[name] = *av.S
		case av.I != nil:
			n, err := strconv.ParseInt(*av.I, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("attribute %s is not an int64: %w", name, err)
			}
			item[name] = n
		case av.T != nil:
			item[name] = *av.T
		case av.X != nil:
			item[name] = av.X
		default:
			return nil, fmt.Errorf("attribute %s has no value", name)
		}
	}

	return item, nil
}
