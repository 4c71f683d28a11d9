package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func event(id string) string {
	return `{"id":"` + id + `","type":"message","data":"` + id + `","reply":false}`
}

func TestBuffer_FlushSingleAndBatch(t *testing.T) {
	b := NewBuffer(0)
	assert.Equal(t, "", b.Flush())

	require.NoError(t, b.Push(event("a")))
	assert.Equal(t, event("a"), b.Flush())

	require.NoError(t, b.Push(event("b")))
	require.NoError(t, b.Push(event("c")))
	assert.Equal(t, "["+event("a")+","+event("b")+","+event("c")+"]", b.Flush())
}

func TestBuffer_AckLeavesRemainderInOrder(t *testing.T) {
	b := NewBuffer(0)
	for _, id := range []string{"1", "2", "3", "4", "5"} {
		require.NoError(t, b.Push(event(id)))
	}

	removed := b.Ack([]string{"2", "4", "unknown"})

	assert.Equal(t, 2, removed)
	assert.Equal(t, []string{event("1"), event("3"), event("5")}, b.Payloads())
}

func TestBuffer_AckIgnoresPayloadsWithoutID(t *testing.T) {
	b := NewBuffer(0)
	require.NoError(t, b.Push("x"))
	require.NoError(t, b.Push(`{"type":"noid"}`))

	assert.Equal(t, 0, b.Ack([]string{"", "x"}))
	assert.Equal(t, 2, b.Len())
}

func TestBuffer_NumericID(t *testing.T) {
	b := NewBuffer(0)
	require.NoError(t, b.Push(`{"id":10,"type":"echo"}`))

	assert.Equal(t, 1, b.Ack([]string{"10"}))
	assert.Equal(t, 0, b.Len())
}

func TestBuffer_Limit(t *testing.T) {
	b := NewBuffer(2)
	require.NoError(t, b.Push(event("a")))
	require.NoError(t, b.Push(event("b")))

	assert.ErrorIs(t, b.Push(event("c")), ErrBufferFull)
	assert.Equal(t, 2, b.Len())

	b.Ack([]string{"a"})
	assert.NoError(t, b.Push(event("c")))
}
