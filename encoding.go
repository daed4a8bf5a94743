package peerhub

import (
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
)

// DefaultEncoding is the text encoding channels use unless configured otherwise.
var DefaultEncoding encoding.Encoding = unicode.UTF8

// EncodingByName resolves a WHATWG encoding label such as "utf-8", "utf-16le" or
// "windows-1252". The labels "", "none" and "binary" select binary mode and yield nil.
func EncodingByName(name string) (encoding.Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none", "binary":
		return nil, nil
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidOption, "unknown encoding %q", name)
	}
	return enc, nil
}

// runeProbes covers the 1 to 4 byte UTF-8 classes plus the replacement character.
var runeProbes = []rune{'A', 'é', '€', '\uFFFD', '\U0010FFFF'}

// maxEncodedRuneLen returns the largest number of bytes enc produces for a single
// character. Runes the encoding cannot represent are skipped.
func maxEncodedRuneLen(enc encoding.Encoding) int {
	longest := 1
	for _, r := range runeProbes {
		s, err := enc.NewEncoder().String(string(r))
		if err != nil {
			continue
		}
		if len(s) > longest {
			longest = len(s)
		}
	}
	return longest
}

func encodeText(enc encoding.Encoding, text string) ([]byte, error) {
	b, err := enc.NewEncoder().Bytes([]byte(text))
	if err != nil {
		return nil, errors.Wrap(err, "encode text")
	}
	return b, nil
}

func decodeText(enc encoding.Encoding, data []byte) (string, error) {
	b, err := enc.NewDecoder().Bytes(data)
	if err != nil {
		return "", errors.Wrap(err, "decode text")
	}
	return string(b), nil
}
