package protocol

// ExtractJSONObject locates the first balanced top-level JSON object
// in free text. Models wrap structured payloads in prose and code
// fences; everything around the object is discarded. String literals
// are honored so braces inside them do not confuse the scan.
func ExtractJSONObject(text string) ([]byte, bool) {
	start := -1
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(text); i++ {
		c := text[i]
		if start < 0 {
			if c == '{' {
				start = i
				depth = 1
			}
			continue
		}
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return []byte(text[start : i+1]), true
			}
		}
	}
	return nil, false
}
