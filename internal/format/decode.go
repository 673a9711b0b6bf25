package format

import (
	"io"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// lookupEncoding resolves a charset name (IANA or WHATWG label) to an encoding.
func lookupEncoding(name string) (encoding.Encoding, bool) {
	switch strings.ToUpper(strings.ReplaceAll(name, "_", "-")) {
	case "", "UTF-8", "UTF8", "ASCII", "US-ASCII":
		return unicode.UTF8, true
	case "UTF-16LE":
		return unicode.UTF16(unicode.LittleEndian, unicode.UseBOM), true
	case "UTF-16BE":
		return unicode.UTF16(unicode.BigEndian, unicode.UseBOM), true
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, false
	}
	return enc, true
}

// Decoder returns a transformer producing valid UTF-8 from the named charset.
// A leading BOM is consumed and overrides the charset; invalid sequences
// become U+FFFD. Unknown names decode as UTF-8.
func Decoder(name string) transform.Transformer {
	enc, ok := lookupEncoding(name)
	if !ok {
		enc = unicode.UTF8
	}
	return unicode.BOMOverride(enc.NewDecoder())
}

// NewDecodingReader wraps r so that it yields UTF-8 text.
func NewDecodingReader(r io.Reader, charset string) io.Reader {
	return transform.NewReader(r, Decoder(charset))
}
