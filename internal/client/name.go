package client

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/cory-johannsen/multiworld/internal/protocol"
)

// The game stores player names in its own 8-byte charset, padded with spaces.
const (
	charSpace  = 0xdf
	charHyphen = 0xe4
	charPeriod = 0xea
)

// DecodeName renders a player name, dropping trailing padding.
// Bytes outside the known charset are shown as '?'.
func DecodeName(n protocol.Name) string {
	var b strings.Builder
	for _, c := range n {
		b.WriteRune(decodeChar(c))
	}
	return strings.TrimRight(b.String(), " ")
}

func decodeChar(c byte) rune {
	switch {
	case c <= 0x09:
		return '0' + rune(c)
	case c >= 0xab && c <= 0xc4:
		return 'A' + rune(c-0xab)
	case c >= 0xc5 && c <= 0xde:
		return 'a' + rune(c-0xc5)
	case c == charSpace:
		return ' '
	case c == charHyphen:
		return '-'
	case c == charPeriod:
		return '.'
	default:
		return '?'
	}
}

// EncodeName converts s to the game's charset.
//
// Precondition: s holds at most 8 characters, each a digit, ASCII letter, space, '-' or '.'.
// Postcondition: Returns the name padded with spaces, or an error naming the first bad character.
func EncodeName(s string) (protocol.Name, error) {
	name := protocol.DefaultName
	if n := utf8.RuneCountInString(s); n > len(name) {
		return name, fmt.Errorf("name %q has %d characters, the limit is %d", s, n, len(name))
	}
	i := 0
	for _, r := range s {
		c, ok := encodeChar(r)
		if !ok {
			return protocol.DefaultName, fmt.Errorf("name %q: character %q cannot be displayed in game", s, r)
		}
		name[i] = c
		i++
	}
	return name, nil
}

func encodeChar(r rune) (byte, bool) {
	switch {
	case r >= '0' && r <= '9':
		return byte(r - '0'), true
	case r >= 'A' && r <= 'Z':
		return byte(0xab + r - 'A'), true
	case r >= 'a' && r <= 'z':
		return byte(0xc5 + r - 'a'), true
	case r == ' ':
		return charSpace, true
	case r == '-':
		return charHyphen, true
	case r == '.':
		return charPeriod, true
	default:
		return 0, false
	}
}
