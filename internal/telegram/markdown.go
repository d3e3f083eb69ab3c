// internal/telegram/markdown.go
package telegram

import "strings"

// MarkdownV2 reserves these characters; they must be escaped everywhere
// outside code spans.
const reservedChars = "_*[]()~`>#+-=|{}.!"

// ToMarkdownV2 converts a constrained markdown subset (bold, italic,
// strikethrough, inline and fenced code, links) into Telegram MarkdownV2.
// Everything else is escaped literally. Link targets are escaped once, at
// insertion, never re-escaped.
func ToMarkdownV2(text string) string {
	var out strings.Builder
	parts := strings.Split(text, "```")
	for i, part := range parts {
		closed := i != len(parts)-1
		if i%2 == 1 && closed {
			out.WriteString("```")
			out.WriteString(escapeCode(part))
			out.WriteString("```")
			continue
		}
		if i%2 == 1 {
			// Unterminated fence: render the opening backticks literally.
			out.WriteString(escapeText("```"))
		}
		out.WriteString(convertInline(part))
	}
	return out.String()
}

func convertInline(s string) string {
	var out strings.Builder
	for i := 0; i < len(s); {
		switch {
		case strings.HasPrefix(s[i:], "**"):
			if end := strings.Index(s[i+2:], "**"); end > 0 {
				out.WriteString("*")
				out.WriteString(escapeText(s[i+2 : i+2+end]))
				out.WriteString("*")
				i += end + 4
				continue
			}
		case strings.HasPrefix(s[i:], "~~"):
			if end := strings.Index(s[i+2:], "~~"); end > 0 {
				out.WriteString("~")
				out.WriteString(escapeText(s[i+2 : i+2+end]))
				out.WriteString("~")
				i += end + 4
				continue
			}
		case s[i] == '`':
			if end := strings.IndexByte(s[i+1:], '`'); end > 0 {
				out.WriteString("`")
				out.WriteString(escapeCode(s[i+1 : i+1+end]))
				out.WriteString("`")
				i += end + 2
				continue
			}
		case s[i] == '[':
			if label, url, n, ok := parseLink(s[i:]); ok {
				out.WriteString("[")
				out.WriteString(escapeText(label))
				out.WriteString("](")
				out.WriteString(escapeURL(url))
				out.WriteString(")")
				i += n
				continue
			}
		case s[i] == '*':
			if end := strings.IndexByte(s[i+1:], '*'); end > 0 {
				out.WriteString("_")
				out.WriteString(escapeText(s[i+1 : i+1+end]))
				out.WriteString("_")
				i += end + 2
				continue
			}
		case s[i] == '_':
			if end := strings.IndexByte(s[i+1:], '_'); end > 0 {
				out.WriteString("_")
				out.WriteString(escapeText(s[i+1 : i+1+end]))
				out.WriteString("_")
				i += end + 2
				continue
			}
		}
		out.WriteString(escapeText(s[i : i+1]))
		i++
	}
	return out.String()
}

// parseLink matches a leading [label](url) and returns its parts and total
// byte length. The url scan balances parentheses so targets containing
// "(…)" parse whole.
func parseLink(s string) (label, url string, n int, ok bool) {
	close := strings.IndexByte(s, ']')
	if close < 0 || close+1 >= len(s) || s[close+1] != '(' {
		return "", "", 0, false
	}
	depth := 1
	for j := close + 2; j < len(s); j++ {
		switch s[j] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return s[1:close], s[close+2 : j], j + 1, true
			}
		}
	}
	return "", "", 0, false
}

// escapeText backslash-escapes every reserved character and the backslash
// itself.
func escapeText(s string) string {
	var out strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\\' || strings.IndexByte(reservedChars, c) >= 0 {
			out.WriteByte('\\')
		}
		out.WriteByte(c)
	}
	return out.String()
}

// escapeCode escapes only backslash and backtick, the two characters with
// meaning inside code spans.
func escapeCode(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, "`", "\\`")
}

// escapeURL escapes only backslash and closing parenthesis, per the
// MarkdownV2 rules for link targets.
func escapeURL(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, ")", "\\)")
}
