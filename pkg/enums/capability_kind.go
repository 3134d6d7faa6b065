package enums

// CapabilityKind names the class of paid model capability a request exercises.
type CapabilityKind string

const (
	CapabilityKindChatCompletion  CapabilityKind = "chat_completion"
	CapabilityKindEmbedding       CapabilityKind = "embedding"
	CapabilityKindImageGeneration CapabilityKind = "image_generation"
	CapabilityKindRerank          CapabilityKind = "rerank"
)

// IsValid reports whether the capability kind is known.
func (k CapabilityKind) IsValid() bool {
	switch k {
	case CapabilityKindChatCompletion, CapabilityKindEmbedding, CapabilityKindImageGeneration, CapabilityKindRerank:
		return true
	default:
		return false
	}
}
