package mimetree

import "strings"

// ReflowText reassembles format=flowed plain text (RFC 3676) into
// logical paragraphs. Soft line breaks (a trailing space) join the
// next line of the same quote depth; the signature separator "-- "
// is never treated as soft. Space-stuffed lines are unstuffed.
func ReflowText(text string, delSp bool) string {
	lines := strings.Split(text, "\n")
	var out strings.Builder
	pendingSoft := false
	pendingDepth := -1

	for _, line := range lines {
		line = strings.TrimSuffix(line, "\r")

		depth := 0
		for depth < len(line) && line[depth] == '>' {
			depth++
		}
		content := line[depth:]
		if strings.HasPrefix(content, " ") {
			content = content[1:] // space stuffing
		}

		soft := strings.HasSuffix(content, " ") && content != "-- "
		if soft && delSp {
			content = strings.TrimSuffix(content, " ")
		}

		if pendingSoft && depth == pendingDepth {
			out.WriteString(content)
		} else {
			if pendingDepth >= 0 {
				out.WriteString("\n")
			}
			out.WriteString(strings.Repeat(">", depth))
			if depth > 0 {
				out.WriteString(" ")
			}
			out.WriteString(content)
		}
		pendingSoft = soft
		pendingDepth = depth
	}
	return out.String()
}
