package security

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/docpipe/pkg/core"
)

func TestValidateJobTypeName(t *testing.T) {
	valid := []string{"analyze_rfp", "process_document", "workflow.combine", "Sweep-V2", "a"}
	for _, name := range valid {
		assert.NoError(t, ValidateJobTypeName(name), "expected %q to be valid", name)
	}

	invalid := []string{
		"",
		"1analyze",
		"_combine",
		"analyze rfp",
		"analyze/rfp",
		strings.Repeat("a", MaxJobTypeNameLength+1),
	}
	for _, name := range invalid {
		assert.Error(t, ValidateJobTypeName(name), "expected %q to be invalid", name)
	}

	assert.ErrorIs(t, ValidateJobTypeName(strings.Repeat("a", 300)), core.ErrJobTypeNameTooLong)
}

func TestValidateQueueName(t *testing.T) {
	assert.NoError(t, ValidateQueueName("default"))
	assert.NoError(t, ValidateQueueName("fanout-docs"))
	assert.ErrorIs(t, ValidateQueueName(""), core.ErrInvalidQueueName)
	assert.ErrorIs(t, ValidateQueueName("bad queue"), core.ErrInvalidQueueName)
	assert.ErrorIs(t, ValidateQueueName(strings.Repeat("q", 300)), core.ErrQueueNameTooLong)
}

func TestValidateParameters(t *testing.T) {
	assert.NoError(t, ValidateParameters(nil))
	assert.NoError(t, ValidateParameters(map[string]any{"doc_ids": []string{"A", "B"}}))

	err := ValidateParameters(map[string]any{"blob": strings.Repeat("x", MaxParametersSize)})
	require.Error(t, err)
	assert.True(t, core.IsValidation(err))

	err = ValidateParameters(map[string]any{"ch": make(chan int)})
	require.Error(t, err)
	assert.True(t, core.IsValidation(err))
}

func TestSanitizeErrorMessage(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"plain", "llm provider timed out", "llm provider timed out"},
		{"newlines kept", "step failed\nat chunk 3", "step failed\nat chunk 3"},
		{"null bytes stripped", "bad\x00text", "badtext"},
		{"escape stripped", "red\x1b[31m", "red[31m"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SanitizeErrorMessage(tt.input))
		})
	}
}

func TestSanitizeErrorMessage_Truncation(t *testing.T) {
	result := SanitizeErrorMessage(strings.Repeat("a", 5000))

	assert.Len(t, result, MaxErrorMessageLength)
	assert.True(t, strings.HasSuffix(result, "..."))
}

func TestSanitizedError(t *testing.T) {
	assert.Nil(t, SanitizedError(nil))

	msg := SanitizedError(errors.New("boom\x00"))
	require.NotNil(t, msg)
	assert.Equal(t, "boom", *msg)
}

func TestClampRetries(t *testing.T) {
	for in, want := range map[int]int{-1: 0, 0: 0, 3: 3, 100: 100, 101: 100} {
		assert.Equal(t, want, ClampRetries(in), "ClampRetries(%d)", in)
	}
}

func TestClampConcurrency(t *testing.T) {
	for in, want := range map[int]int{-1: 1, 0: 1, 10: 10, 1000: 1000, 5000: 1000} {
		assert.Equal(t, want, ClampConcurrency(in), "ClampConcurrency(%d)", in)
	}
}
