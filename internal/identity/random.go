package identity

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
)

// RandomStringGenerator draws strings from a cryptographically secure source.
// It is safe for concurrent use; the source is read under a mutex so that any
// io.Reader can be injected, including non-thread-safe test readers.
type RandomStringGenerator struct {
	mu  sync.Mutex
	src io.Reader
}

// NewRandomStringGenerator wraps src. A nil src uses crypto/rand.
func NewRandomStringGenerator(src io.Reader) *RandomStringGenerator {
	if src == nil {
		src = rand.Reader
	}
	return &RandomStringGenerator{src: src}
}

// RandomString returns length symbols chosen uniformly from alphabet.
// Uniqueness is not guaranteed; combine with a monotonic identifier for that.
func (g *RandomStringGenerator) RandomString(length int, alphabet string) (string, error) {
	if length <= 0 {
		return "", nil
	}
	if len(alphabet) == 0 || len(alphabet) > 256 {
		return "", errors.New("alphabet must contain between 1 and 256 symbols")
	}

	// Rejection sampling: bytes at or above limit would bias the modulo
	limit := 256 - 256%len(alphabet)

	out := make([]byte, 0, length)
	buf := make([]byte, length)

	g.mu.Lock()
	defer g.mu.Unlock()

	for len(out) < length {
		if _, err := io.ReadFull(g.src, buf); err != nil {
			return "", fmt.Errorf("failed to read random bytes: %w", err)
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, alphabet[int(b)%len(alphabet)])
			if len(out) == length {
				break
			}
		}
	}

	return string(out), nil
}
