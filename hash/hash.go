package hash

import (
	"encoding/hex"
	"hash"
	"sort"
)

type Hash struct {
	hash hash.Hash
}

func NewHash(hash hash.Hash) *Hash {
	return &Hash{
		hash: hash,
	}
}

func (h *Hash) Key() string {
	return hex.EncodeToString(h.hash.Sum(nil))
}

func (h *Hash) Write(args ...[]byte) error {
	for _, arg := range args {
		_, err := h.hash.Write(arg)
		if err != nil {
			return err
		}
	}

	return nil
}

// WriteFields writes each field followed by a NUL separator, so ("ab", "c")
// and ("a", "bc") hash differently.
func (h *Hash) WriteFields(fields ...string) error {
	for _, f := range fields {
		if err := h.Write([]byte(f), []byte{0}); err != nil {
			return err
		}
	}

	return nil
}

// WriteMap writes key/value pairs in sorted key order.
func (h *Hash) WriteMap(m map[string]string) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if err := h.WriteFields(k, m[k]); err != nil {
			return err
		}
	}

	return nil
}
