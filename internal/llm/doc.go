// Package llm contains adapters for invoking large language models. It
// abstracts away provider-specific APIs so the relay assistant can narrate
// payment challenges and settlement outcomes through any chat backend.
package llm
