// File: bridge/hash.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package bridge

import (
	"github.com/cespare/xxhash/v2"
	"github.com/goccy/go-json"
)

// KeyFunc extracts the bytes of field from a message payload.
type KeyFunc func(data []byte, field string) ([]byte, bool)

// JSONField reads a top-level member of a JSON object payload. The raw
// member text is the key, so equal values hash equally.
func JSONField(data []byte, field string) ([]byte, bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, false
	}
	v, ok := obj[field]
	if !ok || len(v) == 0 {
		return nil, false
	}
	return v, true
}

// hashIndex maps key onto one of width members.
func hashIndex(key []byte, width int) int {
	return int(xxhash.Sum64(key) % uint64(width))
}
