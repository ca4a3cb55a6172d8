package codeindex

import (
	"strings"
	"unicode"
)

// stopWords are dropped during tokenization. The list covers English
// function words plus filler common in task descriptions; identifiers
// and code terms pass through.
var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {},
	"be": {}, "but": {}, "by": {}, "for": {}, "from": {}, "has": {},
	"have": {}, "if": {}, "in": {}, "into": {}, "is": {}, "it": {},
	"its": {}, "of": {}, "on": {}, "or": {}, "that": {}, "the": {},
	"then": {}, "this": {}, "to": {}, "was": {}, "were": {}, "will": {},
	"with": {},
}

// Tokenize case-folds, splits on non-alphanumeric runes and removes
// stop words. Single-rune tokens are dropped; they carry no signal in
// code retrieval.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 2 {
			continue
		}
		if _, stop := stopWords[f]; stop {
			continue
		}
		tokens = append(tokens, f)
	}
	return tokens
}
