package store

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/blevesearch/bleve/v2/analysis"
	"github.com/blevesearch/bleve/v2/registry"
)

const (
	// IdentifierTokenizerName is the bleve tokenizer that splits identifiers.
	IdentifierTokenizerName = "identifier_tokenizer"

	// StopFilterName is the bleve filter dropping DefaultStopWords.
	StopFilterName = "shardex_stop"

	// ContentAnalyzerName is the analyzer applied to document content.
	ContentAnalyzerName = "shardex_content"
)

// DefaultStopWords are dropped from indexed content.
var DefaultStopWords = []string{
	"a", "an", "and", "the", "of", "to", "in", "is", "it", "or",
	"id", "data", "value", "item",
}

func init() {
	_ = registry.RegisterTokenizer(IdentifierTokenizerName, func(map[string]interface{}, *registry.Cache) (analysis.Tokenizer, error) {
		return identifierTokenizer{}, nil
	})
	_ = registry.RegisterTokenFilter(StopFilterName, func(map[string]interface{}, *registry.Cache) (analysis.TokenFilter, error) {
		return stopFilter{stop: buildStopWordMap(DefaultStopWords)}, nil
	})
}

var wordRegex = regexp.MustCompile(`[\p{L}\p{N}_]+`)

// Tokenize lowercases text and splits it into words, breaking snake_case and
// camelCase identifiers apart. Tokens shorter than two runes are dropped.
func Tokenize(text string) []string {
	var tokens []string
	for _, word := range wordRegex.FindAllString(text, -1) {
		for _, part := range strings.Split(word, "_") {
			for _, t := range splitCamelCase(part) {
				lower := strings.ToLower(t)
				if len([]rune(lower)) >= 2 {
					tokens = append(tokens, lower)
				}
			}
		}
	}
	return tokens
}

// splitCamelCase splits "parseHTTPRequest" into ["parse", "HTTP", "Request"].
func splitCamelCase(s string) []string {
	if s == "" {
		return nil
	}

	var out []string
	var current strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		if i > 0 && unicode.IsUpper(r) {
			prevLower := unicode.IsLower(runes[i-1])
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if (prevLower || nextLower) && current.Len() > 0 {
				out = append(out, current.String())
				current.Reset()
			}
		}
		current.WriteRune(r)
	}
	if current.Len() > 0 {
		out = append(out, current.String())
	}
	return out
}

func filterStopWords(tokens []string, stop map[string]struct{}) []string {
	out := tokens[:0:0]
	for _, t := range tokens {
		if _, ok := stop[t]; !ok {
			out = append(out, t)
		}
	}
	return out
}

func buildStopWordMap(words []string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[strings.ToLower(w)] = struct{}{}
	}
	return m
}

// analyzeContent is the plain-text form of Tokenize used by backends
// without an analysis pipeline of their own.
func analyzeContent(text string, stop map[string]struct{}) string {
	return strings.Join(filterStopWords(Tokenize(text), stop), " ")
}

type identifierTokenizer struct{}

func (identifierTokenizer) Tokenize(input []byte) analysis.TokenStream {
	text := string(input)
	lowerText := strings.ToLower(text)
	tokens := Tokenize(text)

	stream := make(analysis.TokenStream, 0, len(tokens))
	offset := 0
	for i, tok := range tokens {
		start := strings.Index(lowerText[offset:], tok)
		if start < 0 {
			start = offset
		} else {
			start += offset
		}
		end := start + len(tok)
		if end > len(text) {
			end = len(text)
		}
		if start > end {
			start = end
		}
		stream = append(stream, &analysis.Token{
			Term:     []byte(tok),
			Start:    start,
			End:      end,
			Position: i + 1,
			Type:     analysis.AlphaNumeric,
		})
		offset = end
	}
	return stream
}

type stopFilter struct {
	stop map[string]struct{}
}

func (f stopFilter) Filter(input analysis.TokenStream) analysis.TokenStream {
	out := make(analysis.TokenStream, 0, len(input))
	for _, tok := range input {
		if _, ok := f.stop[string(tok.Term)]; !ok {
			out = append(out, tok)
		}
	}
	return out
}
