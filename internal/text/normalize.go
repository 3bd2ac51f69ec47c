package text

import (
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ErrEmptyText is returned when the input text is empty or whitespace-only.
var ErrEmptyText = errors.New("text is empty")

// punctuationMap rewrites punctuation the English vocabulary does not carry
// into forms it does. Order matters: multi-rune patterns come first.
var punctuationMap = []struct{ from, to string }{
	{"...", ", "},
	{"…", ", "},
	{":", ","},
	{" - ", ", "},
	{";", ", "},
	{"—", "-"},
	{"–", "-"},
	{" ,", ","},
	{"“", "\""},
	{"”", "\""},
	{"‘", "'"},
	{"’", "'"},
}

var sentenceEnders = []string{".", "!", "?", "-", ","}

// Normalize prepares raw input text for tokenization:
//  1. newlines become spaces and runs of whitespace collapse;
//  2. the first letter is capitalized;
//  3. uncommon punctuation is mapped onto the vocabulary;
//  4. a trailing "." is added when the text has no ending punctuation.
func Normalize(s string) (string, error) {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return "", ErrEmptyText
	}

	r, size := utf8.DecodeRuneInString(s)
	if unicode.IsLower(r) {
		s = string(unicode.ToUpper(r)) + s[size:]
	}

	for _, p := range punctuationMap {
		s = strings.ReplaceAll(s, p.from, p.to)
	}

	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return "", ErrEmptyText
	}

	for _, e := range sentenceEnders {
		if strings.HasSuffix(s, e) {
			return s, nil
		}
	}

	return s + ".", nil
}
