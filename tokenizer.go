package serial

import "strings"

// Tokenizer splits an accumulated buffer into complete tokens plus a trailing
// remainder. The remainder is the possibly-incomplete tail that seeds the next
// read iteration; it is never matched against filters.
//
// A Tokenizer must be deterministic and side-effect-free, and must not drop
// bytes: joining tokens and remainder back together (re-inserting whatever the
// strategy removed, e.g. delimiters) must reproduce the input buffer exactly.
// An empty buffer yields no tokens and an empty remainder.
type Tokenizer func(buffer string) (tokens []string, remainder string)

// DelimiterTokenizer returns a Tokenizer that splits on every occurrence of
// delim. Each token is the content strictly between delimiters, with the
// delimiter itself discarded; the remainder is whatever trails the last
// delimiter, possibly empty.
func DelimiterTokenizer(delim string) Tokenizer {
	return func(buffer string) ([]string, string) {
		if buffer == "" {
			return nil, ""
		}
		parts := strings.Split(buffer, delim)
		return parts[:len(parts)-1], parts[len(parts)-1]
	}
}
