package domain

import (
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// MaxQuestionLength bounds the accepted question size in characters.
const MaxQuestionLength = 4000

// ValidateQuestion trims and checks a user question.
func ValidateQuestion(q string) (string, error) {
	text := strings.TrimSpace(q)
	if text == "" {
		return "", NewValidationError("question", q, ErrEmptyQuestion)
	}
	if utf8.RuneCountInString(text) > MaxQuestionLength {
		return "", NewValidationError("question", string([]rune(text)[:64]), ErrQuestionTooLong)
	}
	return text, nil
}

// ValidateUpload checks that an upload carries a usable source name and a body.
func ValidateUpload(source string, data []byte) error {
	if len(data) == 0 {
		return NewValidationError("file", source, ErrMissingFile)
	}
	return ValidateSource(source)
}

// ValidateSource rejects empty names and names that are paths rather than file names.
func ValidateSource(source string) error {
	s := strings.TrimSpace(source)
	if s == "" || s == "." || s == ".." {
		return NewValidationError("source", source, ErrInvalidSource)
	}
	if filepath.Base(s) != s || strings.ContainsAny(s, `/\`) {
		return NewValidationError("source", source, ErrInvalidSource)
	}
	return nil
}

// IsPDFName reports whether a file name carries the .pdf extension.
func IsPDFName(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".pdf")
}
