// Package llm defines the language-model collaborator used by pipeline
// steps and the analyze stage.
//
// A Router dispatches to named providers. Static is a deterministic,
// offline provider used by tests, the example program and the CLI when no
// remote provider is configured.
package llm
