package catalog

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/hitoshi/libris/internal/model"
	"github.com/hitoshi/libris/internal/security"
)

// BookInput は蔵書の登録・更新の入力値。
// 検証前にnormalizeでHTMLの除去と空白の整理を行う。
type BookInput struct {
	Title         string   `json:"title" validate:"required,max=500"`
	Author        string   `json:"author" validate:"required,max=200"`
	ISBN          string   `json:"isbn" validate:"omitempty,max=20"`
	Description   string   `json:"description" validate:"omitempty,max=5000"`
	PublishedYear int      `json:"published_year" validate:"omitempty,min=1000,max=2100"`
	CoverImageURL string   `json:"cover_image_url" validate:"omitempty,http_url"`
	Tags          []string `json:"tags" validate:"omitempty,dive,max=50"`
}

// descriptionInput は紹介文のみを更新する際の入力値。
type descriptionInput struct {
	Description string `json:"description" validate:"omitempty,max=5000"`
}

// tagsInput はタグのみを更新する際の入力値。
type tagsInput struct {
	Tags []string `json:"tags" validate:"omitempty,dive,max=50"`
}

var validate = newValidator()

// newValidator はjsonタグの名前でフィールドを報告するvalidatorを生成する。
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// normalize は入力値を保存用の形に整える。
func (in BookInput) normalize(s security.TextSanitizerService) BookInput {
	return BookInput{
		Title:         s.Line(in.Title),
		Author:        s.Line(in.Author),
		ISBN:          strings.TrimSpace(in.ISBN),
		Description:   s.Text(in.Description),
		PublishedYear: in.PublishedYear,
		CoverImageURL: strings.TrimSpace(in.CoverImageURL),
		Tags:          normalizeTags(s, in.Tags),
	}
}

// normalizeTags はタグ名を整え、空のものを除き、重複をまとめる。順序は入力順を保つ。
func normalizeTags(s security.TextSanitizerService, names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = s.Line(n)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// SplitTags はカンマ区切りのタグ文字列を分割する。
func SplitTags(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

// validateStruct は構造体を検証し、失敗した場合はフィールドごとのメッセージを持つ
// VALIDATION_FAILEDエラーを返す。
func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("入力値の検証に失敗しました: %w", err)
	}

	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		key := fieldKey(fe)
		if _, ok := fields[key]; ok {
			continue
		}
		fields[key] = message(fe)
	}
	return model.NewValidationError(fields)
}

// fieldKey はエラーを報告するフィールド名を返す。"tags[2]"のような要素の指定は"tags"にまとめる。
func fieldKey(fe validator.FieldError) string {
	name := fe.Field()
	if i := strings.IndexByte(name, '['); i > 0 {
		name = name[:i]
	}
	return name
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "必須項目です"
	case "max":
		if fe.Kind() == reflect.Int {
			return fmt.Sprintf("%s以下で指定してください", fe.Param())
		}
		return fmt.Sprintf("%s文字以内で入力してください", fe.Param())
	case "min":
		return fmt.Sprintf("%s以上で指定してください", fe.Param())
	case "http_url":
		return "http(s)のURLを指定してください"
	default:
		return "値が正しくありません"
	}
}
