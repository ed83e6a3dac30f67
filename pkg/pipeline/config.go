package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Common holds settings every step kind accepts.
type Common struct {
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

// Timeout returns the per-step ceiling, or zero for none.
func (c Common) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c Common) validate() error {
	if c.TimeoutSeconds < 0 {
		return fmt.Errorf("timeout_seconds must not be negative")
	}
	return nil
}

// ExtractTextConfig configures extract_text.
type ExtractTextConfig struct {
	Common
	// MaxChars truncates the extracted text; zero keeps everything.
	MaxChars int `json:"max_chars,omitempty"`
}

// WordCountConfig configures word_count.
type WordCountConfig struct {
	Common
}

// SummarizeConfig configures summarize.
type SummarizeConfig struct {
	Common
	MaxWords     int    `json:"max_words,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

// KeywordsConfig configures keywords.
type KeywordsConfig struct {
	Common
	TopN      int `json:"top_n,omitempty"`
	MinLength int `json:"min_length,omitempty"`
}

// SentimentConfig configures sentiment.
type SentimentConfig struct {
	Common
}

// EmbedConfig configures embed. Sizes are in words.
type EmbedConfig struct {
	Common
	ChunkSize int `json:"chunk_size,omitempty"`
	Overlap   int `json:"overlap,omitempty"`
}

func (c *ExtractTextConfig) validate() error {
	if c.MaxChars < 0 {
		return fmt.Errorf("max_chars must not be negative")
	}
	return c.Common.validate()
}

func (c *WordCountConfig) validate() error { return c.Common.validate() }

func (c *SummarizeConfig) validate() error {
	if c.MaxWords == 0 {
		c.MaxWords = 100
	}
	if c.MaxWords < 0 {
		return fmt.Errorf("max_words must not be negative")
	}
	return c.Common.validate()
}

func (c *KeywordsConfig) validate() error {
	if c.TopN == 0 {
		c.TopN = 10
	}
	if c.MinLength == 0 {
		c.MinLength = 4
	}
	if c.TopN < 0 || c.MinLength < 0 {
		return fmt.Errorf("top_n and min_length must not be negative")
	}
	return c.Common.validate()
}

func (c *SentimentConfig) validate() error { return c.Common.validate() }

func (c *EmbedConfig) validate() error {
	if c.ChunkSize == 0 {
		c.ChunkSize = 200
	}
	if c.ChunkSize < 0 || c.Overlap < 0 {
		return fmt.Errorf("chunk_size and overlap must not be negative")
	}
	if c.Overlap >= c.ChunkSize {
		return fmt.Errorf("overlap (%d) must be smaller than chunk_size (%d)", c.Overlap, c.ChunkSize)
	}
	return c.Common.validate()
}

// stepConfig is implemented by every typed configuration.
type stepConfig interface {
	validate() error
}

// decodeConfig strictly decodes raw into cfg and applies defaults. An empty
// config decodes to the defaults.
func decodeConfig(raw json.RawMessage, cfg stepConfig) error {
	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
	}
	if err := cfg.validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
