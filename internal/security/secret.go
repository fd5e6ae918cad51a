package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/scrypt"
)

// SealConfig defines the parameters used to seal the qualifier static secret at rest
type SealConfig struct {
	// SCRYPT parameters
	SCryptN      int // CPU/memory cost parameter (32768 minimum)
	SCryptR      int // Block size parameter
	SCryptP      int // Parallelization parameter
	SCryptKeyLen int // 32 for AES-256

	NonceSize int // 96-bit GCM nonce
}

// SealedSecret is the at-rest form of the static secret carried in configuration
type SealedSecret struct {
	Version    uint8  `json:"version"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"` // includes the GCM tag
	Integrity  []byte `json:"integrity"`
}

// DefaultSealConfig returns the sealing parameters used in production
func DefaultSealConfig() *SealConfig {
	return &SealConfig{
		SCryptN:      32768,
		SCryptR:      8,
		SCryptP:      1,
		SCryptKeyLen: 32,
		NonceSize:    12,
	}
}

// ValidateSealConfig validates sealing parameters
func ValidateSealConfig(config *SealConfig) error {
	if config == nil {
		return errors.New("seal config cannot be nil")
	}
	if config.SCryptN < 32768 {
		return errors.New("SCryptN must be at least 32768")
	}
	if config.SCryptR < 8 {
		return errors.New("SCryptR must be at least 8")
	}
	if config.SCryptP < 1 {
		return errors.New("SCryptP must be at least 1")
	}
	if config.SCryptKeyLen != 32 {
		return errors.New("SCryptKeyLen must be 32 for AES-256")
	}
	if config.NonceSize != 12 {
		return errors.New("NonceSize must be 12 for AES-GCM")
	}
	return nil
}

// SealSecret encrypts secret under a key derived from appSalt with SCRYPT
func SealSecret(secret, appSalt []byte, config *SealConfig) (*SealedSecret, error) {
	if len(secret) == 0 {
		return nil, errors.New("secret cannot be empty")
	}
	if len(appSalt) < 16 {
		return nil, errors.New("application salt must be at least 16 bytes")
	}
	if config == nil {
		config = DefaultSealConfig()
	}
	if err := ValidateSealConfig(config); err != nil {
		return nil, err
	}

	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	nonce := make([]byte, config.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	gcm, err := sealingAEAD(appSalt, salt, config)
	if err != nil {
		return nil, err
	}
	ciphertext := gcm.Seal(nil, nonce, secret, nil)

	return &SealedSecret{
		Version:    1,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: ciphertext,
		Integrity:  integrityHash(ciphertext, salt, nonce),
	}, nil
}

// OpenSecret reverses SealSecret
func OpenSecret(sealed *SealedSecret, appSalt []byte, config *SealConfig) ([]byte, error) {
	if sealed == nil {
		return nil, errors.New("sealed secret cannot be nil")
	}
	if len(appSalt) < 16 {
		return nil, errors.New("application salt must be at least 16 bytes")
	}
	if config == nil {
		config = DefaultSealConfig()
	}
	if sealed.Version != 1 {
		return nil, fmt.Errorf("unsupported sealed secret version: %d", sealed.Version)
	}

	expected := integrityHash(sealed.Ciphertext, sealed.Salt, sealed.Nonce)
	if subtle.ConstantTimeCompare(sealed.Integrity, expected) != 1 {
		return nil, errors.New("integrity verification failed - possible tampering detected")
	}
	if len(sealed.Nonce) != config.NonceSize {
		return nil, fmt.Errorf("nonce is %d bytes, want %d", len(sealed.Nonce), config.NonceSize)
	}

	gcm, err := sealingAEAD(appSalt, sealed.Salt, config)
	if err != nil {
		return nil, err
	}

	secret, err := gcm.Open(nil, sealed.Nonce, sealed.Ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open sealed secret: %w", err)
	}
	return secret, nil
}

// Encode renders the sealed secret as a single base64 string for env or YAML configuration
func (s *SealedSecret) Encode() (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to marshal sealed secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeSealedSecret parses the output of Encode
func DecodeSealedSecret(encoded string) (*SealedSecret, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("sealed secret is not valid base64: %w", err)
	}

	var sealed SealedSecret
	if err := json.Unmarshal(data, &sealed); err != nil {
		return nil, fmt.Errorf("sealed secret is not valid JSON: %w", err)
	}
	return &sealed, nil
}

func sealingAEAD(appSalt, salt []byte, config *SealConfig) (cipher.AEAD, error) {
	key, err := scrypt.Key(appSalt, salt, config.SCryptN, config.SCryptR, config.SCryptP, config.SCryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	defer zero(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// integrityHash binds ciphertext, salt and nonce together
func integrityHash(ciphertext, salt, nonce []byte) []byte {
	h := sha256.New()
	h.Write([]byte("DEVICEAUTH-SECRET-V1")) // Domain separator
	h.Write(ciphertext)
	h.Write(salt)
	h.Write(nonce)
	return h.Sum(nil)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// SecureCompare performs constant-time comparison to prevent timing attacks
func SecureCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
