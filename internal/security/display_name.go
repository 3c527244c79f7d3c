package security

import (
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

// maxDisplayNameRunes は保存する表示名の最大文字数。
const maxDisplayNameRunes = 200

// DisplayNameSanitizer はIdPから受け取った表示名をプレーンテキストに正規化する。
type DisplayNameSanitizer interface {
	Sanitize(name string) string
}

// displayNameSanitizer はbluemondayのStrictPolicyで全タグを除去する。
type displayNameSanitizer struct {
	policy *bluemonday.Policy
}

// NewDisplayNameSanitizer はDisplayNameSanitizerを生成する。
func NewDisplayNameSanitizer() *displayNameSanitizer {
	return &displayNameSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize はタグと制御文字を除去し、空白を詰めて最大長に切り詰める。
func (s *displayNameSanitizer) Sanitize(name string) string {
	text := html.UnescapeString(s.policy.Sanitize(name))

	var b strings.Builder
	space := false
	count := 0
	for _, r := range text {
		if unicode.IsSpace(r) {
			space = b.Len() > 0
			continue
		}
		if unicode.IsControl(r) {
			continue
		}
		if space {
			if count+1 >= maxDisplayNameRunes {
				break
			}
			b.WriteRune(' ')
			count++
			space = false
		}
		if count >= maxDisplayNameRunes {
			break
		}
		b.WriteRune(r)
		count++
	}
	return b.String()
}
