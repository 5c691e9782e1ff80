package utils

import (
	"unsafe"
)

const entryOverheadBytes = 96

// EstimateSize approximates the memory footprint of a cached value in bytes.
// Strings and byte slices are counted directly; everything else is measured
// by its serialized JSON length plus a fixed per-entry overhead.
func EstimateSize(key string, value interface{}) (uint64, error) {
	base := uint64(len(key)) + entryOverheadBytes

	switch v := value.(type) {
	case nil:
		return base, nil
	case []byte:
		return base + uint64(len(v)), nil
	case string:
		return base + uint64(len(v)), nil
	}

	data, err := Marshal(value)
	if err != nil {
		return 0, err
	}
	return base + uint64(len(data)), nil
}

func BytesToString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return *(*string)(unsafe.Pointer(&b))
}
