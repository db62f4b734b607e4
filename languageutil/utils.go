package languageutil

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var lowerCaser = cases.Lower(language.Und)

// Keyword sets cover the languages our users actually write in: english,
// portuguese, spanish, turkish, azerbaijani.

var MaleKeywords = []string{
	"male", "man", "men", "masculine", "guy",
	"homem", "masculino",
	"hombre",
	"erkek",
	"kişi",
}

var FemaleKeywords = []string{
	"female", "woman", "women", "feminine", "girl", "lady",
	"mulher", "feminino", "feminina",
	"mujer", "femenina",
	"kadın", "kız",
	"qadın",
}

var GreetingKeywords = []string{
	"hi", "hello", "hey", "good morning", "good evening", "thanks", "thank you",
	"olá", "ola", "oi", "bom dia", "boa tarde", "obrigado", "obrigada",
	"hola", "buenos dias", "gracias",
	"merhaba", "selam", "teşekkürler",
	"salam", "sağol",
}

// Normalize lowercases and trims a message for keyword matching.
func Normalize(text string) string {
	return strings.TrimSpace(lowerCaser.String(text))
}

// ContainsKeyword reports whether any keyword appears in the text as a whole
// word. Keywords with spaces are matched as substrings.
func ContainsKeyword(text string, keywords []string) bool {
	normalized := Normalize(text)
	words := strings.FieldsFunc(normalized, func(r rune) bool {
		return r == ' ' || r == ',' || r == '.' || r == '!' || r == '?' || r == ';' || r == ':'
	})
	for _, keyword := range keywords {
		if strings.Contains(keyword, " ") {
			if strings.Contains(normalized, keyword) {
				return true
			}
			continue
		}
		for _, word := range words {
			if word == keyword {
				return true
			}
		}
	}
	return false
}
