package security

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestDisplayNameSanitizer_Sanitize(t *testing.T) {
	s := NewDisplayNameSanitizer()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain", "Alice Example", "Alice Example"},
		{"script tag removed", "<script>alert(1)</script>Bob", "Bob"},
		{"markup stripped", "<b>Carol</b> <i>D</i>", "Carol D"},
		{"entities decoded to text", "Tom &amp; Jerry", "Tom & Jerry"},
		{"whitespace collapsed", "  Dave \n\t Smith  ", "Dave Smith"},
		{"control characters dropped", "Eve\x07\x1b", "Eve"},
		{"japanese", "山田 太郎", "山田 太郎"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.Sanitize(tt.input); got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestDisplayNameSanitizer_Truncates(t *testing.T) {
	s := NewDisplayNameSanitizer()
	got := s.Sanitize(strings.Repeat("あ ", 300))
	if n := utf8.RuneCountInString(got); n > maxDisplayNameRunes {
		t.Errorf("length = %d, want <= %d", n, maxDisplayNameRunes)
	}
	if strings.HasSuffix(got, " ") {
		t.Error("truncated name must not end with a space")
	}
}
