package memstream

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStreamAdd(t *testing.T) {
	s := New(10)
	require.Equal(t, uint64(0), s.Top())
	clock := s.Add([]string{"a.go"})
	require.Equal(t, uint64(1), clock)
	clock = s.Add([]string{"b.go"})
	require.Equal(t, uint64(2), clock)
	require.Equal(t, uint64(2), s.Top())
}

func TestStreamSince(t *testing.T) {
	s := New(10)
	for i := 0; i < 5; i++ {
		s.Add([]string{strconv.Itoa(i)})
	}
	entries, err := s.Since(2)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, uint64(3), entries[0].Clock)
	require.Equal(t, []string{"2"}, entries[0].Changes)
	require.Equal(t, uint64(5), entries[2].Clock)

	// Caller is at the top, nothing to deliver.
	entries, err = s.Since(5)
	require.NoError(t, err)
	require.Nil(t, entries)

	// Ahead of the top behaves like at the top.
	entries, err = s.Since(6)
	require.NoError(t, err)
	require.Nil(t, entries)
}

func TestStreamSinceStale(t *testing.T) {
	s := New(3)
	for i := 0; i < 10; i++ {
		s.Add([]string{strconv.Itoa(i)})
	}
	// Only clocks 8..10 retained, so resuming from 5 is impossible.
	_, err := s.Since(5)
	require.ErrorIs(t, err, ErrStaleClock)

	entries, err := s.Since(7)
	require.NoError(t, err)
	require.Len(t, entries, 3)
}

func TestStreamReset(t *testing.T) {
	s := New(10)
	s.Add([]string{"a"})
	s.Reset()
	require.Equal(t, uint64(0), s.Top())
	entries, err := s.Since(0)
	require.NoError(t, err)
	require.Nil(t, entries)
}
