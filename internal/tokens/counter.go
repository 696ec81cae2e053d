// Package tokens counts tokens in generated text.
package tokens

import (
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/tiktoken-go/tokenizer"
)

// DefaultEncoding is used when no encoding is configured.
const DefaultEncoding = tokenizer.Cl100kBase

// Counter counts tokens with a tiktoken encoding. When the encoding cannot
// be loaded it falls back to an Estimator.
type Counter struct {
	encoding tokenizer.Encoding
	fallback *Estimator

	// codecCache caches tokenizer codecs by encoding name
	codecCache map[tokenizer.Encoding]tokenizer.Codec
	cacheMu    sync.RWMutex
}

// NewCounter creates a counter for encoding ("" uses DefaultEncoding).
func NewCounter(encoding tokenizer.Encoding) *Counter {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	return &Counter{
		encoding:   encoding,
		fallback:   NewEstimator(),
		codecCache: make(map[tokenizer.Encoding]tokenizer.Codec),
	}
}

func (c *Counter) getCodec() (tokenizer.Codec, error) {
	c.cacheMu.RLock()
	if cached, ok := c.codecCache[c.encoding]; ok {
		c.cacheMu.RUnlock()
		return cached, nil
	}
	c.cacheMu.RUnlock()

	codec, err := tokenizer.Get(c.encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to get tokenizer encoding: %w", err)
	}

	c.cacheMu.Lock()
	c.codecCache[c.encoding] = codec
	c.cacheMu.Unlock()

	return codec, nil
}

// Count returns the number of tokens in text.
func (c *Counter) Count(text string) int {
	if text == "" {
		return 0
	}
	codec, err := c.getCodec()
	if err != nil {
		return c.fallback.Count(text)
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return c.fallback.Count(text)
	}
	return len(ids)
}

// Estimator approximates token counts from character length.
type Estimator struct {
	// CharsPerToken is the average characters per token (default: 4)
	CharsPerToken float64
}

// NewEstimator creates a new token estimator.
func NewEstimator() *Estimator {
	return &Estimator{
		CharsPerToken: 4.0,
	}
}

// Count estimates the tokens in text, rounding up.
func (e *Estimator) Count(text string) int {
	chars := utf8.RuneCountInString(text)
	if chars == 0 {
		return 0
	}
	per := e.CharsPerToken
	if per <= 0 {
		per = 4.0
	}
	n := int(float64(chars) / per)
	if float64(n)*per < float64(chars) {
		n++
	}
	return n
}
