package message

import "fmt"

// Context is a flat map of scalar values attached to a Quest.
// Allowed value types are string, int64, float64, bool and []byte.
type Context map[string]any

// Merge returns a new Context holding base overridden by over.
// Either argument may be nil; nil is returned when both are empty.
func Merge(base, over Context) Context {
	if len(base) == 0 && len(over) == 0 {
		return nil
	}
	out := make(Context, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}

// Normalize converts the integer and float variants Go callers commonly use
// into the canonical scalar types and rejects anything else.
func Normalize(m map[string]any) error {
	for k, v := range m {
		switch x := v.(type) {
		case string, int64, float64, bool, []byte:
		case int:
			m[k] = int64(x)
		case int32:
			m[k] = int64(x)
		case uint32:
			m[k] = int64(x)
		case float32:
			m[k] = float64(x)
		default:
			return fmt.Errorf("context key %q: unsupported value type %T", k, v)
		}
	}
	return nil
}
