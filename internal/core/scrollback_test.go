package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScrollbackWrapsAround(t *testing.T) {
	s := newScrollback(5)
	s.write([]byte("abc"))
	require.Equal(t, "abc", string(s.replay()))
	s.write([]byte("de"))
	require.Equal(t, "abcde", string(s.replay()))
	s.write([]byte("fg"))
	require.Equal(t, "cdefg", string(s.replay()))
	s.write([]byte("hijk"))
	require.Equal(t, "ghijk", string(s.replay()))
	s.write([]byte("0123456789"))
	require.Equal(t, "56789", string(s.replay()))
}

func TestScrollbackDisabled(t *testing.T) {
	s := newScrollback(0)
	s.write([]byte("hello"))
	require.Nil(t, s.replay())
}

func TestScrollbackDropsSplitRune(t *testing.T) {
	s := newScrollback(4)
	s.write([]byte("x"))
	s.write([]byte("日b"))
	// "x" + 3-byte rune + "b" is 5 bytes; the oldest byte is evicted.
	require.Equal(t, "日b", string(s.replay()))
	s.write([]byte("c"))
	require.Equal(t, "bc", string(s.replay()))
}
