package digest

import (
	"strconv"
	"strings"
)

const upperHex = "0123456789ABCDEF"

// EncodeHashComponent encodes s for use in a Zulip narrow fragment. Every byte
// other than ASCII letters, digits, '-', '_' and '~' is percent-encoded and
// the '%' is then written as '.', so "a.b c" becomes "a.2Eb.20c".
func EncodeHashComponent(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('.')
		b.WriteByte(upperHex[c>>4])
		b.WriteByte(upperHex[c&0x0F])
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	case c == '-', c == '_', c == '~':
		return true
	}
	return false
}

// EncodeStream returns the "<id>-<name>" operand of a stream narrow. Spaces
// in the name become '-' before encoding.
func EncodeStream(id int64, name string) string {
	return strconv.FormatInt(id, 10) + "-" + EncodeHashComponent(strings.ReplaceAll(name, " ", "-"))
}

// StreamURL links to a stream on site.
func StreamURL(site string, id int64, name string) string {
	return "https://" + site + "/#narrow/stream/" + EncodeStream(id, name)
}

// NarrowURL links to one topic of a stream on site.
func NarrowURL(site string, id int64, stream, topic string) string {
	return StreamURL(site, id, stream) + "/topic/" + EncodeHashComponent(topic)
}
