// Package prompts holds the prompt template registry for the LLM-backed
// task kinds (persona, question bank, follow-up, evaluation, report).
//
// Templates are loaded once at startup from built-in defaults, optionally
// overlaid with a JSON file, and are immutable afterwards.
package prompts
