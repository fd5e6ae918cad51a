package identity

// Symbol sets used for generated identifiers. The order of each alphabet defines the
// digit values used by Encoder, so neither constant may be reordered once codes exist.
const (
	// ConfusionResistantAlphabet has 26 symbols and omits glyphs that are easily
	// misread when transcribed: 0/O, 1/I/L, 2/Z, 5/S, 8/B.
	ConfusionResistantAlphabet = "ACDEFGHJKMNPQRTUVWXY346789"

	// AlphanumericAlphabet is the general 62-symbol set used for passcodes and fillers.
	AlphanumericAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
)
