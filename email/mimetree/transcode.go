package mimetree

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/ianaindex"
)

// Transcode decodes b from the named charset into UTF-8.
//
// Trivial ASCII/UTF-8 variants pass through unchanged. An unknown
// charset, or one the tables cannot decode, falls back to the
// original bytes: losing the original text beats losing the import.
func Transcode(charset string, b []byte) []byte {
	switch strings.ToLower(charset) {
	case "", "us-ascii", "ascii", "utf-8", "utf8", "7bit", "8bit":
		return b
	}
	if utf8.Valid(b) {
		return b
	}
	enc, _ := ianaindex.MIME.Encoding(charset)
	if enc == nil {
		enc, _ = ianaindex.IANA.Encoding(charset)
	}
	if enc == nil {
		return b
	}
	out, err := enc.NewDecoder().Bytes(b)
	if err != nil {
		return b
	}
	return out
}
