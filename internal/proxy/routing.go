package proxy

import (
	"github.com/ScriptSmith/hadrian-sub010/internal/providers"
)

// resolveProvider returns the provider name for the given chat/completion model.
// Falls back to "openai" if the model is unknown.
func resolveProvider(model string) string {
	name, _ := resolveProviderWithSource(model)
	return name
}

// resolveProviderWithSource is resolveProvider plus the X-Provider-Source
// value to report: "static" when the model matched a known alias, "dynamic"
// when it fell back to the default provider.
func resolveProviderWithSource(model string) (name string, source string) {
	if n, ok := providers.ModelAliases[model]; ok {
		return n, "static"
	}
	return "openai", "dynamic"
}

// resolveEmbeddingProvider returns the provider name for the given embedding model.
// It checks EmbeddingModelAliases first, then ModelAliases for provider detection,
// and falls back to "openai".
func resolveEmbeddingProvider(model string) string {
	if name, ok := providers.EmbeddingModelAliases[model]; ok {
		return name
	}
	// A user might pass a chat model name; resolve to its provider so it can
	// attempt the embedding call (the provider API will return a clear error).
	if name, ok := providers.ModelAliases[model]; ok {
		return name
	}
	return "openai"
}
