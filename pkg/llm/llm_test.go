package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/docpipe/pkg/core"
)

type failingProvider struct{ err error }

func (f failingProvider) GenerateText(context.Context, TextRequest) (string, error) {
	return "", f.err
}

func (f failingProvider) GenerateEmbeddings(context.Context, []string) ([][]float32, error) {
	return nil, f.err
}

func TestRouter_DispatchesByProvider(t *testing.T) {
	r := NewRouter("static")
	r.RegisterProvider("static", NewStatic())
	r.RegisterProvider("echo", &Static{Respond: func(req TextRequest) (string, error) {
		return "echo: " + req.Prompt, nil
	}})

	out, err := r.GenerateText(context.Background(), TextRequest{Prompt: "hello", Provider: "echo"})
	require.NoError(t, err)
	assert.Equal(t, "echo: hello", out)

	out, err = r.GenerateText(context.Background(), TextRequest{Prompt: "First one. Second one."})
	require.NoError(t, err)
	assert.Equal(t, "First one.\nSecond one.", out)
}

func TestRouter_UnknownProvider(t *testing.T) {
	r := NewRouter("missing")

	_, err := r.GenerateText(context.Background(), TextRequest{Prompt: "x"})
	assert.ErrorIs(t, err, ErrProviderNotRegistered)
}

func TestRouter_WrapsProviderFailureAsTransient(t *testing.T) {
	r := NewRouter("down")
	r.RegisterProvider("down", failingProvider{err: errors.New("connection refused")})

	_, err := r.GenerateText(context.Background(), TextRequest{Prompt: "x"})
	var transient *core.TransientInfraError
	require.ErrorAs(t, err, &transient)
	assert.Equal(t, "llm down", transient.Service)

	_, err = r.GenerateEmbeddings(context.Background(), []string{"x"})
	require.ErrorAs(t, err, &transient)
}

func TestStatic_GenerateTextRespectsWordLimit(t *testing.T) {
	s := NewStatic()

	out, err := s.GenerateText(context.Background(), TextRequest{
		Prompt:    "One two three. Four five six. Seven eight nine.",
		MaxTokens: 6,
	})
	require.NoError(t, err)
	assert.Equal(t, "One two three.\nFour five six.", out)
}

func TestStatic_EmbeddingsAreDeterministicAndNormalized(t *testing.T) {
	s := NewStatic()

	a, err := s.GenerateEmbeddings(context.Background(), []string{"budget schedule budget", ""})
	require.NoError(t, err)
	b, err := s.GenerateEmbeddings(context.Background(), []string{"budget schedule budget"})
	require.NoError(t, err)

	require.Len(t, a, 2)
	assert.Equal(t, a[0], b[0])
	assert.Len(t, a[0], defaultDimensions)

	var sum float64
	for _, v := range a[0] {
		sum += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, sum, 1e-5)
	assert.Equal(t, make([]float32, defaultDimensions), a[1])
}

func TestStatic_HonorsCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewStatic().GenerateText(ctx, TextRequest{Prompt: "x"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSentences(t *testing.T) {
	got := Sentences("Scope of work.\n- Deliver by May!\n...\nIs it priced?")
	assert.Equal(t, []string{"Scope of work.", "- Deliver by May!", "Is it priced?"}, got)
}
