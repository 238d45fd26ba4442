package mem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayload_Zeroed(t *testing.T) {
	p := NewPayload(32)
	assert.Equal(t, uint32(32), p.Size())
	for _, b := range p.Bytes() {
		assert.Equal(t, byte(0), b)
	}
}

func TestPayload_CopyIsDeep(t *testing.T) {
	p := NewPayloadFromBytes([]byte{1, 2, 3})
	q := p.Copy()
	require.Equal(t, p.Bytes(), q.Bytes())

	q.Bytes()[0] = 0xAA
	assert.Equal(t, byte(1), p.Bytes()[0])
}

func TestPayload_ReadWriteAt(t *testing.T) {
	p := NewPayload(8)
	require.NoError(t, p.WriteAt(2, []byte{0xDE, 0xAD}))

	out := make([]byte, 2)
	require.NoError(t, p.ReadAt(2, out))
	assert.Equal(t, []byte{0xDE, 0xAD}, out)

	assert.Error(t, p.WriteAt(7, []byte{1, 2}))
	assert.Error(t, p.ReadAt(9, out))
}
