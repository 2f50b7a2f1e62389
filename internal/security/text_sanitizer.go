// Package security はアプリケーションのセキュリティ機能を提供する。
//
// TextSanitizer は蔵書の書誌情報や取り込んだフィードの説明文からHTMLを取り除き、
// 画面に表示できるプレーンテキストに変換する。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizerService はプレーンテキスト化のインターフェースを定義する。
// 蔵書の登録・更新時と、フィード取り込み時の保存前に使用される。
type TextSanitizerService interface {
	// Line は1行のテキスト（タイトル、著者名、タグ名など）を返す。
	// タグを除去し、改行を含む連続した空白を1つの空白にまとめる。
	Line(raw string) string

	// Text は複数行のテキスト（説明文）を返す。
	// タグを除去し、行ごとの前後の空白と3行以上の空行を詰める。
	Text(raw string) string
}

// textSanitizer はTextSanitizerServiceの実装。
// bluemondayのStrictPolicyで全タグを除去した後、エスケープされた文字参照を元に戻す。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerServiceの新しいインスタンスを生成する。
func NewTextSanitizer() *textSanitizer {
	return &textSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// Line は1行のテキストを返す。
func (s *textSanitizer) Line(raw string) string {
	if raw == "" {
		return ""
	}
	return strings.Join(strings.Fields(s.strip(raw)), " ")
}

// Text は複数行のテキストを返す。
func (s *textSanitizer) Text(raw string) string {
	if raw == "" {
		return ""
	}

	stripped := strings.ReplaceAll(s.strip(raw), "\r\n", "\n")
	lines := strings.Split(stripped, "\n")
	out := make([]string, 0, len(lines))
	blank := 0
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			blank++
			// 段落区切りとして空行は1行まで残す
			if blank > 1 || len(out) == 0 {
				continue
			}
		} else {
			blank = 0
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// strip はタグを除去してからHTMLエスケープを戻す。
// StrictPolicyは&や<を文字参照に変換するため、保存用のテキストでは戻しておく。
func (s *textSanitizer) strip(raw string) string {
	// ブロック要素の境界が単語の連結にならないよう改行を挟む
	r := strings.NewReplacer("<br>", "\n", "<br/>", "\n", "<br />", "\n", "</p>", "</p>\n", "</li>", "</li>\n")
	return html.UnescapeString(s.policy.Sanitize(r.Replace(raw)))
}

// compile-time interface check
var _ TextSanitizerService = (*textSanitizer)(nil)
