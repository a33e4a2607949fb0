package core

import (
	"sync"
	"unicode/utf8"
)

// scrollback is a fixed-size circular byte buffer holding an agent's most
// recent output. Fanout writes it under the registry's read lock, so it
// carries its own mutex.
type scrollback struct {
	mu    sync.Mutex
	buf   []byte
	start int
	size  int
}

// newScrollback returns a buffer of capacity bytes. Zero disables it.
func newScrollback(capacity int) *scrollback {
	if capacity < 0 {
		capacity = 0
	}
	return &scrollback{buf: make([]byte, capacity)}
}

func (s *scrollback) write(p []byte) {
	n := len(s.buf)
	if n == 0 || len(p) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(p) >= n {
		copy(s.buf, p[len(p)-n:])
		s.start, s.size = 0, n
		return
	}
	end := (s.start + s.size) % n
	copied := copy(s.buf[end:], p)
	copy(s.buf, p[copied:])
	s.size += len(p)
	if s.size > n {
		s.start = (s.start + s.size - n) % n
		s.size = n
	}
}

// replay returns the buffered bytes oldest first, without any continuation
// bytes left at the front by an eviction that split a rune.
func (s *scrollback) replay() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.size == 0 {
		return nil
	}
	out := make([]byte, s.size)
	first := copy(out, s.buf[s.start:min(s.start+s.size, len(s.buf))])
	copy(out[first:], s.buf[:s.size-first])
	return trimPartialRune(out)
}

func trimPartialRune(b []byte) []byte {
	for i := 0; i < len(b) && i < utf8.UTFMax; i++ {
		if utf8.RuneStart(b[i]) {
			return b[i:]
		}
	}
	if len(b) < utf8.UTFMax {
		return nil
	}
	return b[utf8.UTFMax:]
}
