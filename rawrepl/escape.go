package rawrepl

import (
	"strings"
)

// escapeType indicates how a byte is written inside a bytes literal
type escapeType int

const (
	escapeNone      escapeType = iota // Emit as-is
	escapeBackslash                   // Prefix with a backslash (\\ and \')
	escapeNamed                       // Short named escape (\r, \t)
	escapeHex                         // \xNN
)

// literalTab is the escape table for triple-quoted bytes literals.
var literalTab = newLiteralTab()

// newLiteralTab builds the table. Newline stays literal so the source stays
// readable; every other control byte, DEL and anything above 0x7F is hex
// escaped. Control bytes must never reach the wire raw: 0x03 and 0x04 would
// interrupt or execute a half-sent raw-mode buffer.
func newLiteralTab() [256]escapeType {
	var tab [256]escapeType
	for i := 0; i < 256; i++ {
		switch {
		case i == '\\' || i == '\'':
			tab[i] = escapeBackslash
		case i == '\r' || i == '\t':
			tab[i] = escapeNamed
		case i == '\n':
			tab[i] = escapeNone
		case i < 0x20 || i >= 0x7F:
			tab[i] = escapeHex
		default:
			tab[i] = escapeNone
		}
	}
	return tab
}

const hexDigits = "0123456789abcdef"

// escapeBytes returns the body of a triple-quoted bytes literal that
// evaluates to content. Every single quote is escaped, so the literal's own
// ''' delimiter can never appear inside the body.
func escapeBytes(content []byte) string {
	var b strings.Builder
	b.Grow(len(content) + len(content)/8)

	for _, c := range content {
		switch literalTab[c] {
		case escapeNone:
			b.WriteByte(c)
		case escapeBackslash:
			b.WriteByte('\\')
			b.WriteByte(c)
		case escapeNamed:
			if c == '\r' {
				b.WriteString(`\r`)
			} else {
				b.WriteString(`\t`)
			}
		case escapeHex:
			b.WriteString(`\x`)
			b.WriteByte(hexDigits[c>>4])
			b.WriteByte(hexDigits[c&0x0F])
		}
	}
	return b.String()
}

// bytesLiteral wraps content as b'''...'''.
func bytesLiteral(content []byte) string {
	return "b'''" + escapeBytes(content) + "'''"
}

// pyString quotes s as a single-quoted Python str literal. Used for paths,
// so non-ASCII text is kept as UTF-8 while control bytes are hex escaped.
func pyString(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('\'')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\\' || c == '\'':
			b.WriteByte('\\')
			b.WriteByte(c)
		case c < 0x20 || c == 0x7F:
			b.WriteString(`\x`)
			b.WriteByte(hexDigits[c>>4])
			b.WriteByte(hexDigits[c&0x0F])
		default:
			b.WriteByte(c)
		}
	}
	b.WriteByte('\'')
	return b.String()
}
