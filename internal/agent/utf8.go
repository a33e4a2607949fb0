package agent

import (
	"strings"
	"unicode/utf8"
)

// runeChunker turns raw terminal reads into valid UTF-8 strings without
// splitting a multi-byte character across two messages.
type runeChunker struct {
	carry []byte
}

func (c *runeChunker) Push(p []byte) string {
	data := p
	if len(c.carry) > 0 {
		data = append(c.carry, p...)
		c.carry = nil
	}
	cut := len(data)
	for i := len(data) - 1; i >= 0 && i >= len(data)-utf8.UTFMax; i-- {
		if utf8.RuneStart(data[i]) {
			if !utf8.FullRune(data[i:]) {
				cut = i
			}
			break
		}
	}
	if cut < len(data) {
		c.carry = append([]byte(nil), data[cut:]...)
	}
	return strings.ToValidUTF8(string(data[:cut]), "�")
}

// Flush returns whatever incomplete sequence is still held.
func (c *runeChunker) Flush() string {
	if len(c.carry) == 0 {
		return ""
	}
	out := strings.ToValidUTF8(string(c.carry), "�")
	c.carry = nil
	return out
}
