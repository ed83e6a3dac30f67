package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/jdziat/docpipe/pkg/llm"
)

// Context keys shared between steps.
const (
	KeyDocumentID    = "document_id"
	KeyDocumentTitle = "document_title"
	KeyExecutionID   = "execution_id"
	KeyExtractedText = "extracted_text"
	KeyWordCount     = "word_count"
	KeyCharCount     = "char_count"
	KeySummary       = "summary"
	KeyKeywords      = "keywords"
	KeySentiment     = "sentiment"
	KeyChunks        = "chunks"
	KeyEmbeddings    = "embeddings"
	KeyChunkCount    = "chunk_count"
)

var (
	errNoReader = errors.New("no document reader configured")
	errNoLLM    = errors.New("no llm client configured")
)

func requireText(in map[string]any, key string) (string, error) {
	text, ok := in[key].(string)
	if !ok {
		return "", fmt.Errorf("requires %q from an earlier step", key)
	}
	return text, nil
}

func newExtractText(cfg ExtractTextConfig, deps Deps) Processor {
	return ProcessorFunc(func(ctx context.Context, in map[string]any) (map[string]any, error) {
		if deps.Reader == nil {
			return nil, errNoReader
		}
		docID, _ := in[KeyDocumentID].(string)
		text, err := deps.Reader.ReadDocument(ctx, docID)
		if err != nil {
			return nil, err
		}
		text = strings.TrimSpace(text)
		if cfg.MaxChars > 0 && utf8.RuneCountInString(text) > cfg.MaxChars {
			text = string([]rune(text)[:cfg.MaxChars])
		}
		return map[string]any{
			KeyExtractedText: text,
			KeyWordCount:     len(strings.Fields(text)),
			KeyCharCount:     utf8.RuneCountInString(text),
		}, nil
	})
}

func newWordCount(_ WordCountConfig, _ Deps) Processor {
	return ProcessorFunc(func(_ context.Context, in map[string]any) (map[string]any, error) {
		text, err := requireText(in, KeyExtractedText)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			KeyWordCount: len(strings.Fields(text)),
			KeyCharCount: utf8.RuneCountInString(text),
		}, nil
	})
}

const defaultSummaryInstructions = "Summarize the document in plain prose."

func newSummarize(cfg SummarizeConfig, deps Deps) Processor {
	return ProcessorFunc(func(ctx context.Context, in map[string]any) (map[string]any, error) {
		if deps.LLM == nil {
			return nil, errNoLLM
		}
		text, err := requireText(in, KeyExtractedText)
		if err != nil {
			return nil, err
		}
		instructions := cfg.Instructions
		if instructions == "" {
			instructions = defaultSummaryInstructions
		}
		summary, err := deps.LLM.GenerateText(ctx, llm.TextRequest{
			System:    fmt.Sprintf("%s Use at most %d words.", instructions, cfg.MaxWords),
			Prompt:    text,
			MaxTokens: cfg.MaxWords,
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{KeySummary: strings.TrimSpace(summary)}, nil
	})
}

var stopWords = map[string]bool{
	"about": true, "above": true, "after": true, "again": true, "also": true,
	"been": true, "before": true, "being": true, "between": true, "both": true,
	"could": true, "does": true, "each": true, "from": true, "have": true,
	"into": true, "more": true, "most": true, "must": true, "other": true,
	"over": true, "shall": true, "should": true, "some": true, "such": true,
	"than": true, "that": true, "their": true, "them": true, "then": true,
	"there": true, "these": true, "they": true, "this": true, "those": true,
	"through": true, "under": true, "very": true, "were": true, "what": true,
	"when": true, "where": true, "which": true, "while": true, "will": true,
	"with": true, "would": true, "your": true,
}

func newKeywords(cfg KeywordsConfig, _ Deps) Processor {
	return ProcessorFunc(func(_ context.Context, in map[string]any) (map[string]any, error) {
		text, err := requireText(in, KeyExtractedText)
		if err != nil {
			return nil, err
		}
		return map[string]any{KeyKeywords: Keywords(text, cfg.TopN, cfg.MinLength)}, nil
	})
}

// Keywords returns the topN most frequent words of at least minLength
// runes, ignoring common stop words. Ties sort alphabetically.
func Keywords(text string, topN, minLength int) []string {
	counts := make(map[string]int)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
	})
	for _, w := range words {
		w = strings.Trim(w, "-")
		if utf8.RuneCountInString(w) < minLength || stopWords[w] {
			continue
		}
		counts[w]++
	}

	out := make([]string, 0, len(counts))
	for w := range counts {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool {
		if counts[out[i]] != counts[out[j]] {
			return counts[out[i]] > counts[out[j]]
		}
		return out[i] < out[j]
	})
	if len(out) > topN {
		out = out[:topN]
	}
	return out
}

// Sentiment labels.
const (
	SentimentPositive = "positive"
	SentimentNegative = "negative"
	SentimentNeutral  = "neutral"
	SentimentMixed    = "mixed"
)

func newSentiment(_ SentimentConfig, deps Deps) Processor {
	return ProcessorFunc(func(ctx context.Context, in map[string]any) (map[string]any, error) {
		if deps.LLM == nil {
			return nil, errNoLLM
		}
		text, ok := in[KeySummary].(string)
		if !ok || text == "" {
			var err error
			if text, err = requireText(in, KeyExtractedText); err != nil {
				return nil, err
			}
		}
		answer, err := deps.LLM.GenerateText(ctx, llm.TextRequest{
			System:    "Classify the sentiment of the text as positive, negative, neutral or mixed. Answer with one word.",
			Prompt:    text,
			MaxTokens: 5,
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{KeySentiment: parseSentiment(answer)}, nil
	})
}

// parseSentiment picks the first label found in answer, defaulting to neutral.
func parseSentiment(answer string) string {
	lower := strings.ToLower(answer)
	best, bestIdx := SentimentNeutral, -1
	for _, label := range []string{SentimentPositive, SentimentNegative, SentimentNeutral, SentimentMixed} {
		if i := strings.Index(lower, label); i >= 0 && (bestIdx < 0 || i < bestIdx) {
			best, bestIdx = label, i
		}
	}
	return best
}

func newEmbed(cfg EmbedConfig, deps Deps) Processor {
	return ProcessorFunc(func(ctx context.Context, in map[string]any) (map[string]any, error) {
		if deps.LLM == nil {
			return nil, errNoLLM
		}
		text, err := requireText(in, KeyExtractedText)
		if err != nil {
			return nil, err
		}
		chunks := Chunk(text, cfg.ChunkSize, cfg.Overlap)
		embeddings := [][]float32{}
		if len(chunks) > 0 {
			if embeddings, err = deps.LLM.GenerateEmbeddings(ctx, chunks); err != nil {
				return nil, err
			}
		}
		return map[string]any{
			KeyChunks:     chunks,
			KeyEmbeddings: embeddings,
			KeyChunkCount: len(chunks),
		}, nil
	})
}

// Chunk splits text into windows of size words, each overlapping the
// previous one by overlap words.
func Chunk(text string, size, overlap int) []string {
	words := strings.Fields(text)
	chunks := []string{}
	if len(words) == 0 || size <= 0 {
		return chunks
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}
	step := size - overlap
	for start := 0; start < len(words); start += step {
		end := start + size
		if end > len(words) {
			end = len(words)
		}
		chunks = append(chunks, strings.Join(words[start:end], " "))
		if end == len(words) {
			break
		}
	}
	return chunks
}
