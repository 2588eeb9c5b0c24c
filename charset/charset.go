// Package charset resolves the Ruby encoding names Marshal attaches to
// strings (via the "encoding" ivar) to a golang.org/x/text Encoding, so
// the loader can decode non-UTF-8 string payloads instead of falling
// back to a raw bytes value. Names that don't resolve are reported to
// the caller rather than silently treated as UTF-8 or bytes.
package charset

import (
	"fmt"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/encoding/unicode"
)

// UnknownEncodingError reports a Ruby encoding name this registry cannot
// resolve.
type UnknownEncodingError struct {
	Name string
}

func (e *UnknownEncodingError) Error() string {
	return fmt.Sprintf("charset: unknown encoding %q", e.Name)
}

// aliases covers Ruby encoding spellings that IANA's registry (and so
// htmlindex) doesn't recognize outright.
var aliases = map[string]string{
	"ascii-8bit": "iso-8859-1", // Ruby's "binary" alias; byte-for-byte passthrough.
	"us-ascii":   "us-ascii",
	"utf-8":      "utf-8",
	"binary":     "iso-8859-1",
}

var byName = map[string]encoding.Encoding{
	"utf-8":        unicode.UTF8,
	"utf-16le":     unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM),
	"utf-16be":     unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM),
	"shift_jis":    japanese.ShiftJIS,
	"euc-jp":       japanese.EUCJP,
	"iso-2022-jp":  japanese.ISO2022JP,
	"euc-kr":       korean.EUCKR,
	"gb2312":       simplifiedchinese.HZGB2312,
	"gbk":          simplifiedchinese.GBK,
	"gb18030":      simplifiedchinese.GB18030,
	"big5":         traditionalchinese.Big5,
	"windows-1250": charmap.Windows1250,
	"windows-1251": charmap.Windows1251,
	"windows-1252": charmap.Windows1252,
	"windows-31j":  japanese.ShiftJIS,
	"iso-8859-1":   charmap.ISO8859_1,
	"iso-8859-2":   charmap.ISO8859_2,
	"iso-8859-15":  charmap.ISO8859_15,
	"koi8-r":       charmap.KOI8R,
	"macintosh":    charmap.Macintosh,
}

// Lookup resolves a Ruby encoding name (as found in a Marshal string's
// "encoding" ivar) to a golang.org/x/text Encoding. US-ASCII is treated
// as UTF-8's strict subset and resolves to the same codec.
func Lookup(name string) (encoding.Encoding, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "us-ascii" || key == "ascii" {
		return unicode.UTF8, nil
	}
	if alias, ok := aliases[key]; ok {
		key = alias
	}
	if enc, ok := byName[key]; ok {
		return enc, nil
	}
	if enc, err := htmlindex.Get(key); err == nil {
		return enc, nil
	}
	return nil, &UnknownEncodingError{Name: name}
}

// Decode decodes raw bytes tagged with the Ruby encoding name into a Go
// UTF-8 string.
func Decode(name string, raw []byte) (string, error) {
	enc, err := Lookup(name)
	if err != nil {
		return "", err
	}
	out, err := enc.NewDecoder().Bytes(raw)
	if err != nil {
		return "", fmt.Errorf("charset: decoding as %q: %w", name, err)
	}
	return string(out), nil
}
