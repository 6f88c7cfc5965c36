package keystore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryVersioning(t *testing.T) {
	m := NewMemory()
	var seen []uint64
	cancel := m.Subscribe(func(v uint64) { seen = append(seen, v) })

	assert.False(t, m.HasKey("t1"))
	assert.Equal(t, uint64(0), m.Version())

	require.True(t, m.Put("t1", &Key{1}))
	assert.True(t, m.HasKey("t1"))
	assert.Equal(t, uint64(1), m.Version())

	// same key again is not a change
	require.False(t, m.Put("t1", &Key{1}))
	assert.Equal(t, uint64(1), m.Version())

	require.True(t, m.Put("t1", &Key{2}))
	m.Delete("t1")
	m.Delete("t1")
	assert.Equal(t, []uint64{1, 2, 3}, seen)

	cancel()
	m.Put("t2", &Key{3})
	assert.Len(t, seen, 3)
}

func TestMemoryKeyIsCopy(t *testing.T) {
	m := NewMemory()
	m.Put("t1", &Key{7})

	k, ok := m.Key("t1")
	require.True(t, ok)
	k[0] = 9

	again, _ := m.Key("t1")
	assert.Equal(t, byte(7), again[0])
}
