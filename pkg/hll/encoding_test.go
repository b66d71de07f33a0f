package hll

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genc-murat/crystalsketch/pkg/errs"
	"github.com/genc-murat/crystalsketch/pkg/hash"
)

func TestMarshalBinary(t *testing.T) {
	s, _ := New(10, WithHasher(hash.Murmur3{}))
	for i := 0; i < 5000; i++ {
		s.AddHash(hash.Mix(uint64(i)))
	}

	data, err := s.MarshalBinary()
	require.NoError(t, err)
	assert.Len(t, data, headerSize+1024)

	var restored Sketch
	require.NoError(t, restored.UnmarshalBinary(data))
	assert.True(t, restored.Equal(s))
	assert.Equal(t, s.Count(), restored.Count())
	assert.Equal(t, hash.Murmur3ID, restored.Hasher().ID())
}

func TestUnmarshalBinaryCorrupt(t *testing.T) {
	s, _ := New(4)
	s.AddString("x")
	good, _ := s.MarshalBinary()

	corrupt := func(mutate func([]byte)) []byte {
		b := append([]byte(nil), good...)
		mutate(b)
		return b
	}

	cases := map[string][]byte{
		"empty":          nil,
		"short header":   good[:5],
		"bad magic":      corrupt(func(b []byte) { b[3] = 0 }),
		"unknown hash":   corrupt(func(b []byte) { b[4] = 42 }),
		"low precision":  corrupt(func(b []byte) { b[5] = 3 }),
		"high precision": corrupt(func(b []byte) { b[5] = 19 }),
		"wrong length":   corrupt(func(b []byte) { b[5] = 5 }),
		"truncated":      good[:len(good)-1],
		"rank too high":  corrupt(func(b []byte) { b[headerSize+3] = 62 }),
	}

	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			target, _ := New(6)
			target.AddString("keep")
			before := target.Clone()
			assert.ErrorIs(t, target.UnmarshalBinary(data), errs.ErrCorruptState)
			assert.True(t, target.Equal(before))
		})
	}
}

func FuzzUnmarshalBinary(f *testing.F) {
	s, _ := New(4)
	s.AddString("a")
	good, _ := s.MarshalBinary()
	f.Add(good)
	f.Add(good[:headerSize])

	f.Fuzz(func(t *testing.T, data []byte) {
		var got Sketch
		if err := got.UnmarshalBinary(data); err != nil {
			assert.ErrorIs(t, err, errs.ErrCorruptState)
			return
		}
		assert.False(t, math.IsNaN(got.Cardinality()))
	})
}
