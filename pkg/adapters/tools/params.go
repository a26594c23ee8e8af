package tools

import (
	"fmt"
	"math"
	"strconv"
)

// StringList reads a param that may be a string or a list of scalars.
// Nil and empty strings yield an empty list.
func StringList(v any) ([]string, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case string:
		if val == "" {
			return nil, nil
		}
		return []string{val}, nil
	case []string:
		return val, nil
	case []any:
		out := make([]string, 0, len(val))
		for i, item := range val {
			switch s := item.(type) {
			case nil:
				continue
			case string:
				out = append(out, s)
			case int, int64, float64:
				out = append(out, fmt.Sprint(s))
			default:
				return nil, fmt.Errorf("item %d: unsupported type %T", i, item)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported type %T", v)
	}
}

// Int reads an integer param, accepting JSON numbers and numeric strings
func Int(v any, def int) (int, error) {
	switch val := v.(type) {
	case nil:
		return def, nil
	case int:
		return val, nil
	case int64:
		return int(val), nil
	case float64:
		if val != math.Trunc(val) {
			return 0, fmt.Errorf("%v is not an integer", val)
		}
		return int(val), nil
	case string:
		n, err := strconv.Atoi(val)
		if err != nil {
			return 0, fmt.Errorf("%q is not an integer", val)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}
