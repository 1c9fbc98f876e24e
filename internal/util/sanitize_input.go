package util

import (
	"html"
	"os"
	"strings"
	"unicode"
)

// SanitizeInput trims and escapes HTML/script-like characters.
func SanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return html.EscapeString(s)
}

func ContainsSuspicious(s string) bool {
	lower := strings.ToLower(s)
	badChars := []string{"<", ">", "$", "{", "}", "script", "onerror", "onload"}
	for _, c := range badChars {
		if strings.Contains(lower, c) {
			return true
		}
	}
	return false
}

// IsIdentifier reports whether s is a plausible login identifier: letters,
// digits and . _ - @ only.
func IsIdentifier(s string) bool {
	if s == "" || len(s) > 128 {
		return false
	}
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			continue
		}
		switch r {
		case '.', '_', '-', '@':
			continue
		}
		return false
	}
	return true
}

func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
