package security

import "testing"

func TestTextSanitizer_Line(t *testing.T) {
	s := NewTextSanitizer()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"空文字列", "", ""},
		{"プレーンテキスト", "The Pragmatic Programmer", "The Pragmatic Programmer"},
		{"タグの除去", "<b>Dune</b>", "Dune"},
		{"scriptの除去", `Dune<script>alert("x")</script>`, "Dune"},
		{"文字参照を戻す", "Tom &amp; Jerry", "Tom & Jerry"},
		{"空白をまとめる", "  Clean \n\t Code  ", "Clean Code"},
		{"不等号はそのまま", "a < b", "a < b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.Line(tt.input); got != tt.want {
				t.Errorf("Line(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestTextSanitizer_Text(t *testing.T) {
	s := NewTextSanitizer()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"空文字列", "", ""},
		{"段落", "<p>First</p><p>Second</p>", "First\nSecond"},
		{"改行タグ", "line1<br>line2", "line1\nline2"},
		{"連続した空行を詰める", "a\n\n\n\nb", "a\n\nb"},
		{"前後の空白", "\n\n  text  \n\n", "text"},
		{"イベント属性", `<img src="x" onerror="alert(1)">caption`, "caption"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.Text(tt.input); got != tt.want {
				t.Errorf("Text(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

// TestTextSanitizer_Idempotent は同一入力に対して2回適用しても結果が変わらないことをテストする。
func TestTextSanitizer_Idempotent(t *testing.T) {
	s := NewTextSanitizer()
	input := "<p>A &amp; B</p>\n\n<ul><li>one</li><li>two</li></ul>"

	once := s.Text(input)
	twice := s.Text(once)
	if once != twice {
		t.Errorf("Text is not idempotent: %q != %q", once, twice)
	}
}
