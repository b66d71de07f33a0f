package hash

// Item is the input accepted by every sketch: either raw bytes or a value the
// caller already hashed. The zero Item hashes like an empty byte slice.
type Item struct {
	data      []byte
	sum       uint64
	prehashed bool
}

// Bytes wraps a byte slice. The slice is not copied and must not be mutated
// while the Item is in use.
func Bytes(b []byte) Item {
	return Item{data: b}
}

// String wraps a string.
func String(s string) Item {
	return Item{data: []byte(s)}
}

// PreHashed wraps a 64-bit value the caller computed with its own hash
// function. It is used as-is for unseeded hashing and mixed with the seed
// for seeded hashing.
func PreHashed(sum uint64) Item {
	return Item{sum: sum, prehashed: true}
}

// IsPreHashed reports whether the item carries a caller-supplied hash.
func (it Item) IsPreHashed() bool { return it.prehashed }

// Sum64 hashes the item with h.
func (it Item) Sum64(h Hasher) uint64 {
	if it.prehashed {
		return it.sum
	}
	return h.Sum64(it.data)
}

// SeededSum64 hashes the item with h under seed.
func (it Item) SeededSum64(h Hasher, seed uint64) uint64 {
	if it.prehashed {
		return Mix(it.sum ^ Mix(seed))
	}
	return h.SeededSum64(seed, it.data)
}
