package bytebuf

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteAndCommittedSlice(t *testing.T) {
	b := New(4)
	n, err := b.Write([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, []byte("hello"), b.CommittedSlice())
	require.Equal(t, 5, b.Position())
}

func TestGrowBeyondInitialCapacity(t *testing.T) {
	b := New(minClass)
	payload := make([]byte, minClass*3+7)
	for i := range payload {
		payload[i] = byte(i)
	}
	_, err := b.Write(payload)
	require.NoError(t, err)
	require.Equal(t, payload, b.CommittedSlice())
}

func TestReserveConsume(t *testing.T) {
	b := New(16)
	dst := b.Reserve(8)
	require.GreaterOrEqual(t, len(dst), 8)
	copy(dst, []byte("abcdefgh"))
	b.Consume(8)
	require.Equal(t, []byte("abcdefgh"), b.CommittedSlice())
}

func TestResetReusesBacking(t *testing.T) {
	b := New(16)
	_, _ = b.Write([]byte("abc"))
	b.Reset()
	require.Equal(t, 0, b.Position())
	require.Empty(t, b.CommittedSlice())
}

func TestSetLength(t *testing.T) {
	b := New(4)
	b.SetLength(10)
	require.Equal(t, 10, b.Position())
	require.Len(t, b.CommittedSlice(), 10)
}

func TestReleaseThenRentDoesNotPanic(t *testing.T) {
	b := New(minClass)
	b.Release()
	b2 := New(minClass)
	_, err := b2.Write([]byte("ok"))
	require.NoError(t, err)
}
