package identity

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// DeviceIDLength is the target length of a Harman device ID
	DeviceIDLength = 14

	associationRandomLength  = 6
	associationEncodedLength = 6
	associationGroupSize     = 4
)

// Generator mints Harman device IDs and device association codes
type Generator struct {
	random  *RandomStringGenerator
	encoder *Encoder
}

// NewGenerator creates a generator; nil arguments fall back to crypto/rand and UniqueIDEncoder
func NewGenerator(random *RandomStringGenerator, encoder *Encoder) *Generator {
	if random == nil {
		random = NewRandomStringGenerator(nil)
	}
	if encoder == nil {
		encoder = UniqueIDEncoder
	}
	return &Generator{random: random, encoder: encoder}
}

// GenerateDeviceID returns prefix + alphanumeric filler + decimal idSuffix, 14 characters in total.
// When prefix and suffix alone already reach 14 characters the filler is empty and the
// result is longer than 14; callers must not assume a fixed width in that case.
func (g *Generator) GenerateDeviceID(prefix string, idSuffix int64) (string, error) {
	suffix := strconv.FormatInt(idSuffix, 10)

	fillerLength := DeviceIDLength - len(prefix) - len(suffix)
	if fillerLength < 0 {
		fillerLength = 0
	}

	filler, err := g.random.RandomString(fillerLength, AlphanumericAlphabet)
	if err != nil {
		return "", fmt.Errorf("failed to generate device id filler: %w", err)
	}

	return prefix + filler + suffix, nil
}

// GenerateAssociationCode returns six random confusion-resistant symbols followed by
// the six-symbol encoding of idSuffix, grouped by four: XXXX-XXXX-XXXX
func (g *Generator) GenerateAssociationCode(idSuffix uint64) (string, error) {
	random, err := g.random.RandomString(associationRandomLength, ConfusionResistantAlphabet)
	if err != nil {
		return "", fmt.Errorf("failed to generate association code: %w", err)
	}

	return groupSymbols(random+g.encoder.Encode(idSuffix, associationEncodedLength), associationGroupSize), nil
}

// AssociationSuffix recovers the idSuffix embedded in an association code
func (g *Generator) AssociationSuffix(code string) (uint64, error) {
	raw := strings.ReplaceAll(code, "-", "")
	if len(raw) < associationRandomLength+associationEncodedLength {
		return 0, fmt.Errorf("association code %q is too short", code)
	}
	return g.encoder.DecodeStrict(raw[associationRandomLength:])
}

// groupSymbols inserts a hyphen every size symbols
func groupSymbols(s string, size int) string {
	var b strings.Builder
	b.Grow(len(s) + len(s)/size)
	for i := 0; i < len(s); i++ {
		if i > 0 && i%size == 0 {
			b.WriteByte('-')
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
