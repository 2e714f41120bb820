package email

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"
)

// Key is a canonical header entry key.
//
// Use CanonicalKey to canonise bytes as a Key.
type Key string

// HeaderEntry is one header line of a message.
//
// Raw holds the exact original bytes of the line, including any
// folding whitespace but excluding the final line break. A mutated
// or synthesized entry has an empty Raw.
type HeaderEntry struct {
	Key   Key
	Value string
	Raw   string
}

// Header is an ordered collection of message header lines.
//
// Order and duplicates are preserved exactly as read, which matters
// for archival storage: the original header block must remain
// reconstructible from what is stored.
type Header struct {
	Entries []HeaderEntry
	Index   map[Key][]string
}

func (h *Header) Add(k Key, v string) {
	h.Entries = append(h.Entries, HeaderEntry{Key: k, Value: v})
	if h.Index == nil {
		h.Index = make(map[Key][]string)
	}
	h.Index[k] = append(h.Index[k], v)
}

// Get returns the first value for k, or "".
func (h *Header) Get(k Key) string {
	vals := h.Index[k]
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

// Values returns every value for k in original order.
func (h *Header) Values(k Key) []string {
	return h.Index[k]
}

func (h *Header) Del(k Key) {
	var e []HeaderEntry
	for _, entry := range h.Entries {
		if entry.Key != k {
			e = append(e, entry)
		}
	}
	h.Entries = e
	if h.Index != nil {
		delete(h.Index, k)
	}
}

// Lines returns the raw header lines in original order.
// Mutated entries are rendered as "Key: Value".
func (h *Header) Lines() []string {
	lines := make([]string, 0, len(h.Entries))
	for _, entry := range h.Entries {
		if entry.Raw != "" {
			lines = append(lines, entry.Raw)
		} else {
			lines = append(lines, fmt.Sprintf("%s: %s", entry.Key, entry.Value))
		}
	}
	return lines
}

// Encode writes the header block followed by the blank separator line.
// All line breaks are CRLF.
func (h *Header) Encode(w io.Writer) (n int, err error) {
	for _, line := range h.Lines() {
		n2, err := fmt.Fprintf(w, "%s\r\n", line)
		n += n2
		if err != nil {
			return n, err
		}
	}
	n2, err := io.WriteString(w, "\r\n")
	n += n2
	return n, err
}

func (h Header) String() string {
	buf := new(bytes.Buffer)
	if _, err := h.Encode(buf); err != nil {
		return fmt.Sprintf("email.Header(encode error: %v)", err)
	}
	return buf.String()
}

// ReadHeader reads an RFC 5322 header block from r, stopping after
// the blank line separating headers from body. Continuation lines are
// unfolded into the entry value but kept verbatim in the entry's Raw.
//
// Reaching EOF before a blank line is not an error: whatever was read
// forms the header block.
func ReadHeader(r *bufio.Reader) (Header, error) {
	var h Header
	h.Index = make(map[Key][]string)

	var raw, key, value string
	flush := func() {
		if key == "" && raw == "" {
			return
		}
		k := CanonicalKey([]byte(key))
		h.Entries = append(h.Entries, HeaderEntry{Key: k, Value: strings.TrimSpace(value), Raw: raw})
		h.Index[k] = append(h.Index[k], strings.TrimSpace(value))
		raw, key, value = "", "", ""
	}

	for {
		line, err := r.ReadString('\n')
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" && line != "" {
			// Blank line: end of headers.
			flush()
			return h, nil
		}
		if len(trimmed) > 0 && (trimmed[0] == ' ' || trimmed[0] == '\t') {
			// Continuation of the previous line.
			value += " " + strings.TrimSpace(trimmed)
			raw += "\r\n" + trimmed
		} else if trimmed != "" {
			flush()
			raw = trimmed
			if i := strings.IndexByte(trimmed, ':'); i >= 0 {
				key = strings.TrimSpace(trimmed[:i])
				value = trimmed[i+1:]
			} else {
				// A line with no colon. Keep it as a valueless key
				// so the original bytes survive.
				key = trimmed
				value = ""
			}
		}
		if err == io.EOF {
			flush()
			return h, nil
		}
		if err != nil {
			return h, err
		}
	}
}

// CanonicalKey builds a header key out of bytes, capitalizing each
// letter following a '-', with exceptions for well-known keys whose
// conventional form differs.
func CanonicalKey(keyBytes []byte) Key {
	b := make([]byte, len(keyBytes))
	copy(b, keyBytes)
	asciiLower(b)

	switch string(b) {
	case "cc":
		return "CC"
	case "bcc":
		return "BCC"
	case "message-id":
		return "Message-ID"
	case "content-id":
		return "Content-ID"
	case "mime-version":
		return "MIME-Version"
	case "list-id":
		return "List-ID"
	case "dkim-signature":
		return "DKIM-Signature"
	case "x-gm-thrid":
		return "X-GM-THRID"
	}

	for i, c := range b {
		if 'a' <= c && c <= 'z' {
			if i == 0 || b[i-1] == '-' {
				b[i] -= 'a' - 'A'
			}
		}
	}
	return Key(b)
}

func asciiLower(data []byte) {
	for i, b := range data {
		if b >= 'A' && b <= 'Z' {
			data[i] = b + ('a' - 'A')
		}
	}
}
