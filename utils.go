package gatekeep

import (
	"math/rand/v2"
	"regexp"
	"strings"

	"golang.org/x/exp/constraints"
)

type Number interface {
	constraints.Integer | constraints.Float
}

func getMax[T Number](a, b T) T {
	if a > b {
		return a
	}
	return b
}

func getMin[T Number](a, b T) T {
	if a < b {
		return a
	}
	return b
}

// generateCode returns a 4-digit verification code in [1000, 9999].
func generateCode() string {
	code := 1000 + rand.IntN(9000)
	return itoa4(code)
}

func itoa4(n int) string {
	buf := [4]byte{
		byte('0' + n/1000%10),
		byte('0' + n/100%10),
		byte('0' + n/10%10),
		byte('0' + n%10),
	}
	return string(buf[:])
}

var codePattern = regexp.MustCompile(`^(?:code\s*[:：]\s*|验证码\s*)?(\d{4})$`)

// extractCode pulls a 4-digit verification code out of a reply.
// Accepted forms: "1234", "code:1234", "验证码1234".
func extractCode(text string) string {
	m := codePattern.FindStringSubmatch(strings.ToLower(strings.TrimSpace(text)))
	if m == nil {
		return ""
	}
	return m[1]
}

var (
	urlPattern    = regexp.MustCompile(`(?i)\bhttps?://\S+`)
	tgLinkPattern = regexp.MustCompile(`(?i)\b(?:t\.me|telegram\.me|telegram\.dog)/\S+`)
	handlePattern = regexp.MustCompile(`@[A-Za-z0-9_]{4,}`)
)

// containsLink reports whether s carries a URL, a Telegram invite link or a
// @handle mention. Used on message text and profile bios.
func containsLink(s string) bool {
	if s == "" {
		return false
	}
	return urlPattern.MatchString(s) || tgLinkPattern.MatchString(s) || handlePattern.MatchString(s)
}

// joinName assembles a display name from its parts, skipping empties.
func joinName(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, " ")
}
