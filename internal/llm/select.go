package llm

import "strings"

// Backend names a provider family.
type Backend string

const (
	BackendOpenAI Backend = "openai"
	BackendGemini Backend = "gemini"
	BackendLocal  Backend = "local"
)

// Selection is the outcome of Select.
type Selection struct {
	Backend Backend
	// Model is the name to send to the backend, with any routing prefix removed.
	Model string
}

// Select picks a backend for model:
//
//	gemini-*            Gemini
//	local/*, ollama/*   OpenAI-compatible local endpoint (prefix stripped)
//	anything else       OpenAI
//
// Select is pure; it never consults configuration or the network.
func Select(model string) Selection {
	lower := strings.ToLower(model)
	switch {
	case strings.HasPrefix(lower, "gemini-"):
		return Selection{Backend: BackendGemini, Model: model}
	case strings.HasPrefix(lower, "local/"):
		return Selection{Backend: BackendLocal, Model: model[len("local/"):]}
	case strings.HasPrefix(lower, "ollama/"):
		return Selection{Backend: BackendLocal, Model: model[len("ollama/"):]}
	default:
		return Selection{Backend: BackendOpenAI, Model: model}
	}
}
