package cache

import (
	"encoding/binary"
	"encoding/hex"
	"sort"

	"github.com/zeebo/blake3"
)

// Key is a 32-byte BLAKE3 fingerprint of an external call.
type Key [32]byte

func (k Key) String() string { return hex.EncodeToString(k[:]) }

// Fingerprint derives the cache key for one call from the operation
// identity, its parameters and the content hash. Parameters are folded in
// sorted key order so map iteration order never changes the key.
func Fingerprint(operation string, params map[string]string, content string) Key {
	contentSum := blake3.Sum256([]byte(content))

	h := blake3.NewDeriveKey("loqa-render cache fingerprint v1")
	writeField(h, operation)
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		writeField(h, k)
		writeField(h, params[k])
	}
	_, _ = h.Write(contentSum[:])

	var key Key
	copy(key[:], h.Sum(nil))
	return key
}

// writeField length-prefixes s so adjacent fields cannot run together.
func writeField(h *blake3.Hasher, s string) {
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], uint64(len(s)))
	_, _ = h.Write(n[:])
	_, _ = h.WriteString(s)
}
