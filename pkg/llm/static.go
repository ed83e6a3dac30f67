package llm

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

const defaultDimensions = 16

// Static is a deterministic offline provider. GenerateText returns the
// leading sentences of the prompt, one per line, within MaxTokens words.
// GenerateEmbeddings hashes words into a fixed-size normalized vector.
type Static struct {
	Dimensions int
	// Respond overrides GenerateText when set.
	Respond func(TextRequest) (string, error)
}

// NewStatic returns a Static provider with the default dimensions.
func NewStatic() *Static {
	return &Static{Dimensions: defaultDimensions}
}

// GenerateText implements Client.
func (s *Static) GenerateText(ctx context.Context, req TextRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.Respond != nil {
		return s.Respond(req)
	}

	limit := req.MaxTokens
	if limit <= 0 {
		limit = 100
	}

	var lines []string
	words := 0
	for _, sentence := range Sentences(req.Prompt) {
		n := len(strings.Fields(sentence))
		if words > 0 && words+n > limit {
			break
		}
		lines = append(lines, sentence)
		words += n
	}
	return strings.Join(lines, "\n"), nil
}

// GenerateEmbeddings implements Client.
func (s *Static) GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dims := s.Dimensions
	if dims <= 0 {
		dims = defaultDimensions
	}

	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float64, dims)
		for _, word := range strings.Fields(strings.ToLower(text)) {
			h := fnv.New32a()
			_, _ = h.Write([]byte(word))
			vec[h.Sum32()%uint32(dims)]++
		}
		out[i] = normalize(vec)
	}
	return out, nil
}

func normalize(vec []float64) []float32 {
	var sum float64
	for _, v := range vec {
		sum += v * v
	}
	out := make([]float32, len(vec))
	if sum == 0 {
		return out
	}
	norm := math.Sqrt(sum)
	for i, v := range vec {
		out[i] = float32(v / norm)
	}
	return out
}

// Sentences splits text on sentence terminators and line breaks.
func Sentences(text string) []string {
	var out []string
	var b strings.Builder
	flush := func() {
		s := strings.TrimSpace(b.String())
		if s != "" {
			out = append(out, s)
		}
		b.Reset()
	}
	for _, r := range text {
		if r == '\n' {
			flush()
			continue
		}
		b.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			flush()
		}
	}
	flush()

	// Drop fragments made only of punctuation.
	kept := out[:0]
	for _, s := range out {
		if strings.IndexFunc(s, func(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) }) >= 0 {
			kept = append(kept, s)
		}
	}
	return kept
}
