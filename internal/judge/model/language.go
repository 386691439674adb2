package model

import (
	"fmt"
	"strings"
)

// Language is a supported submission language.
type Language string

const (
	LanguageJava       Language = "JAVA"
	LanguagePython     Language = "PYTHON"
	LanguageCPP        Language = "CPP"
	LanguageC          Language = "C"
	LanguageJavaScript Language = "JAVASCRIPT"
	LanguageGo         Language = "GO"
)

var languageExtensions = map[Language]string{
	LanguageJava:       "java",
	LanguagePython:     "py",
	LanguageCPP:        "cpp",
	LanguageC:          "c",
	LanguageJavaScript: "js",
	LanguageGo:         "go",
}

// SupportedLanguages lists every accepted language in display order.
func SupportedLanguages() []Language {
	return []Language{LanguageJava, LanguagePython, LanguageCPP, LanguageC, LanguageJavaScript, LanguageGo}
}

// ParseLanguage normalizes raw and rejects unsupported languages.
func ParseLanguage(raw string) (Language, error) {
	l := Language(strings.ToUpper(strings.TrimSpace(raw)))
	if _, ok := languageExtensions[l]; !ok {
		return "", fmt.Errorf("unsupported language %q", raw)
	}
	return l, nil
}

// Valid reports whether l is supported.
func (l Language) Valid() bool {
	_, ok := languageExtensions[l]
	return ok
}

// SourceExtension returns the conventional file extension, without the dot.
func (l Language) SourceExtension() string {
	if ext, ok := languageExtensions[l]; ok {
		return ext
	}
	return "txt"
}
