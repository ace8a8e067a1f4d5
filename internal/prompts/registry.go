// ABOUTME: Immutable prompt template registry loaded once at startup.
// ABOUTME: Provides placeholder substitution for the LLM-backed task kinds.

package prompts

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// Template IDs for the built-in interview prompts.
const (
	TemplatePersona      = "interviewer_persona"
	TemplateQuestionBank = "question_bank"
	TemplateFollowUp     = "follow_up_question"
	TemplateEvaluation   = "multimodal_evaluation"
	TemplateReport       = "final_report"
)

// ErrTemplateNotFound is returned when a template ID is not registered.
var ErrTemplateNotFound = errors.New("template not found")

// Template is a single prompt template. Placeholders use {name} syntax.
type Template struct {
	ID      string `json:"template_id"`
	Name    string `json:"template_name"`
	Content string `json:"template_content"`
}

// Registry holds the loaded prompt templates. It is populated once by Load
// and never mutated afterwards, so it is safe for concurrent use without
// locking.
type Registry struct {
	templates map[string]Template
}

// templateFile matches the on-disk JSON layout.
type templateFile struct {
	PromptTemplates map[string]Template `json:"prompt_templates"`
}

// Load builds a registry from the built-in defaults, overlaid with the
// templates from path if it is non-empty. Unknown template IDs in the file
// are accepted; they are simply additional entries.
func Load(path string) (*Registry, error) {
	templates := make(map[string]Template, len(defaults))
	for id, t := range defaults {
		templates[id] = t
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading prompt file: %w", err)
		}
		var file templateFile
		if err := json.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parsing prompt file: %w", err)
		}
		for id, t := range file.PromptTemplates {
			if t.Content == "" {
				return nil, fmt.Errorf("template %q has empty content", id)
			}
			t.ID = id
			templates[id] = t
		}
	}

	return &Registry{templates: templates}, nil
}

// Get returns the template with the given ID.
func (r *Registry) Get(id string) (Template, error) {
	t, ok := r.templates[id]
	if !ok {
		return Template{}, fmt.Errorf("%w: %s", ErrTemplateNotFound, id)
	}
	return t, nil
}

// Format renders the template with the given ID, replacing each {key}
// placeholder with its value from vars. A placeholder without a matching
// var is an error; extra vars are ignored.
func (r *Registry) Format(id string, vars map[string]string) (string, error) {
	t, err := r.Get(id)
	if err != nil {
		return "", err
	}

	content := t.Content
	for key, value := range vars {
		content = strings.ReplaceAll(content, "{"+key+"}", value)
	}

	// Templates embed JSON skeletons, so only bare {word} patterns count
	// as placeholders.
	if unresolved := placeholderPattern.FindString(content); unresolved != "" {
		return "", fmt.Errorf("template %q: missing value for placeholder %s", id, unresolved)
	}

	return content, nil
}

var placeholderPattern = regexp.MustCompile(`\{[a-z][a-z0-9_]*\}`)

// List returns the IDs and display names of all registered templates.
func (r *Registry) List() map[string]string {
	out := make(map[string]string, len(r.templates))
	for id, t := range r.templates {
		out[id] = t.Name
	}
	return out
}
