package cache

import "encoding/json"

// sizer is implemented by values that know their own footprint.
type sizer interface {
	Size() int
}

// estimateSize approximates the bytes held by v. Values without a cheap
// answer fall back to their JSON encoding length.
func estimateSize(v any) int {
	switch x := v.(type) {
	case nil:
		return 0
	case sizer:
		return x.Size()
	case []byte:
		return len(x)
	case string:
		return len(x)
	case bool, int8, uint8:
		return 1
	case int16, uint16:
		return 2
	case int32, uint32, float32:
		return 4
	case int, int64, uint, uint64, float64:
		return 8
	}

	data, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(data)
}
