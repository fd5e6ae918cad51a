package identity

import (
	"fmt"
	"math/bits"
	"strings"

	apperrors "deviceauth/internal/errors"
)

// Encoder converts non-negative integers to and from a fixed alphabet.
// The alphabet's first symbol is digit zero and is also the padding symbol.
type Encoder struct {
	alphabet string
	radix    uint64
	index    map[byte]uint64
}

// NewEncoder builds an encoder over alphabet, which must hold at least two distinct single-byte symbols
func NewEncoder(alphabet string) (*Encoder, error) {
	if len(alphabet) < 2 {
		return nil, fmt.Errorf("alphabet must have at least 2 symbols, got %d", len(alphabet))
	}

	index := make(map[byte]uint64, len(alphabet))
	for i := 0; i < len(alphabet); i++ {
		if _, dup := index[alphabet[i]]; dup {
			return nil, fmt.Errorf("alphabet symbol %q appears more than once", alphabet[i])
		}
		index[alphabet[i]] = uint64(i)
	}

	return &Encoder{
		alphabet: alphabet,
		radix:    uint64(len(alphabet)),
		index:    index,
	}, nil
}

// MustNewEncoder is like NewEncoder but panics on an invalid alphabet
func MustNewEncoder(alphabet string) *Encoder {
	enc, err := NewEncoder(alphabet)
	if err != nil {
		panic(err)
	}
	return enc
}

// UniqueIDEncoder encodes over the confusion-resistant alphabet
var UniqueIDEncoder = MustNewEncoder(ConfusionResistantAlphabet)

// Alphabet returns the symbols in digit order
func (e *Encoder) Alphabet() string {
	return e.alphabet
}

// Encode renders value in base len(alphabet), left padded with the zero symbol to
// minLength. A natural encoding longer than minLength is never truncated.
func (e *Encoder) Encode(value uint64, minLength int) string {
	var digits []byte
	for value >= e.radix {
		digits = append(digits, e.alphabet[value%e.radix])
		value /= e.radix
	}
	digits = append(digits, e.alphabet[value])

	for i, j := 0, len(digits)-1; i < j; i, j = i+1, j-1 {
		digits[i], digits[j] = digits[j], digits[i]
	}

	if pad := minLength - len(digits); pad > 0 {
		return strings.Repeat(e.alphabet[:1], pad) + string(digits)
	}
	return string(digits)
}

// Decode reverses Encode. It is lenient: a symbol outside the alphabet counts as
// digit zero and overflow wraps silently. Downstream systems rely on this, so
// transcription errors are not reported here; use DecodeStrict for that.
func (e *Encoder) Decode(s string) uint64 {
	var value, place uint64 = 0, 1
	for i := len(s) - 1; i >= 0; i-- {
		value += e.index[s[i]] * place
		place *= e.radix
	}
	return value
}

// DecodeStrict is Decode that rejects unknown symbols and values beyond uint64
func (e *Encoder) DecodeStrict(s string) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty encoding: %w", apperrors.ErrEncodingOutOfRange)
	}

	var value uint64
	for i := 0; i < len(s); i++ {
		digit, ok := e.index[s[i]]
		if !ok {
			return 0, fmt.Errorf("symbol %q at position %d: %w", s[i], i, apperrors.ErrEncodingOutOfRange)
		}
		hi, lo := bits.Mul64(value, e.radix)
		sum, carry := bits.Add64(lo, digit, 0)
		if hi != 0 || carry != 0 {
			return 0, fmt.Errorf("%q overflows 64 bits: %w", s, apperrors.ErrEncodingOutOfRange)
		}
		value = sum
	}
	return value, nil
}
