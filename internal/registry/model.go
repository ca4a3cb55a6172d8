// Package registry enumerates candidate models across providers and
// owns the Model objects. Selection elsewhere holds borrowed copies;
// only the registry mutates its catalog, and only on refresh.
package registry

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Provider is the tagged backend variant. The string prefix of a model
// reference is parsed exactly once, here; everything downstream
// dispatches on the variant.
type Provider string

const (
	// LMStudio is the OpenAI-compatible chat endpoint on loopback.
	LMStudio Provider = "lm-studio"
	// Ollama is the plain chat endpoint on loopback.
	Ollama Provider = "ollama"
	// OpenRouter is the hosted aggregator with free and priced models.
	OpenRouter Provider = "openrouter"
	// LocalCache is the pseudo-provider for retrieval-cache hits.
	LocalCache Provider = "local-cache"
)

// Local reports whether the provider runs on loopback.
func (p Provider) Local() bool { return p == LMStudio || p == Ollama }

// Capabilities are the declared interaction modes of a model.
type Capabilities struct {
	Chat       bool `json:"chat"`
	Completion bool `json:"completion"`
}

// Model describes one candidate backend model. Immutable after
// discovery; re-discovered on TTL expiry.
type Model struct {
	Provider       Provider     `json:"provider"`
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	ContextWindow  int          `json:"context_window"`
	PromptCost     float64      `json:"prompt_cost"`     // USD per token
	CompletionCost float64      `json:"completion_cost"` // USD per token
	Capabilities   Capabilities `json:"capabilities"`
}

// Ref renders the provider-qualified reference, e.g. "openrouter:qwen/qwen3-8b".
func (m Model) Ref() string { return fmt.Sprintf("%s:%s", m.Provider, m.ID) }

// Free reports whether both per-token costs are zero.
func (m Model) Free() bool { return m.PromptCost == 0 && m.CompletionCost == 0 }

// ParseRef splits a "provider:id" reference. This is the only place a
// provider prefix is inspected as a string.
func ParseRef(ref string) (Provider, string, error) {
	idx := strings.Index(ref, ":")
	if idx <= 0 || idx == len(ref)-1 {
		return "", "", fmt.Errorf("malformed model reference %q", ref)
	}
	switch p := Provider(ref[:idx]); p {
	case LMStudio, Ollama, OpenRouter, LocalCache:
		return p, ref[idx+1:], nil
	default:
		return "", "", fmt.Errorf("unknown provider in reference %q", ref)
	}
}

// SizeCategory buckets a model by parameter count hints in its id.
// Used by the scorer to align model size with a subtask's recommended
// size, and by the resource-optimized router path.
type SizeCategory string

const (
	SizeSmall  SizeCategory = "small"
	SizeMedium SizeCategory = "medium"
	SizeLarge  SizeCategory = "large"
	SizeRemote SizeCategory = "remote"
)

var paramHint = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*[bB]\b`)

// Size infers the size category from the model id. Remote aggregator
// models without a parameter hint count as remote capacity.
func (m Model) Size() SizeCategory {
	id := strings.ToLower(m.ID)
	if match := paramHint.FindStringSubmatch(id); match != nil {
		params, err := strconv.ParseFloat(match[1], 64)
		if err == nil {
			switch {
			case params < 7:
				return SizeSmall
			case params < 20:
				return SizeMedium
			case params < 80:
				return SizeLarge
			default:
				return SizeRemote
			}
		}
	}
	for _, hint := range []string{"mini", "tiny", "small", "lite", "nano"} {
		if strings.Contains(id, hint) {
			return SizeSmall
		}
	}
	if m.Provider == OpenRouter {
		return SizeRemote
	}
	return SizeMedium
}

// Quantized reports whether the id carries a quantization hint; the
// resource-optimized path prefers these for simple tasks.
func (m Model) Quantized() bool {
	id := strings.ToLower(m.ID)
	for _, hint := range []string{"q4", "q5", "q8", "gguf", "awq", "gptq", "int4", "int8"} {
		if strings.Contains(id, hint) {
			return true
		}
	}
	return false
}
