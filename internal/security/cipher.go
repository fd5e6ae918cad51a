package security

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"

	"github.com/samber/oops"

	apperrors "deviceauth/internal/errors"
)

// GCMTagSize is the authentication tag length appended by the primary mode
const GCMTagSize = 16

// Decrypt opens a qualifier ciphertext.
//
// The primary path is AES-GCM with the raw key bytes as nonce and aad mixed into the
// tag. Only when the tag does not verify is the legacy AES-CBC/PKCS#7 mode tried, again
// with the raw key bytes as IV. Already-issued qualifiers depend on both conventions.
func Decrypt(key, ciphertext, aad []byte) ([]byte, error) {
	plaintext, err := OpenAuthenticated(key, ciphertext, aad)
	if err == nil {
		return plaintext, nil
	}
	if !apperrors.Is(err, apperrors.ErrAuthenticationFailed) {
		return nil, err
	}

	legacy, legacyErr := decryptLegacyCBC(key, ciphertext)
	if legacyErr != nil {
		return nil, oops.Wrapf(err, "legacy fallback failed: %v", legacyErr)
	}
	return legacy, nil
}

// OpenAuthenticated runs the AES-GCM path only, without the legacy fallback
func OpenAuthenticated(key, ciphertext, aad []byte) ([]byte, error) {
	gcm, err := newKeyNonceGCM(key)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < GCMTagSize {
		return nil, oops.Wrapf(apperrors.ErrMalformedCiphertext,
			"ciphertext is %d bytes, shorter than the %d byte tag", len(ciphertext), GCMTagSize)
	}

	plaintext, err := gcm.Open(nil, key, ciphertext, aad)
	if err != nil {
		return nil, oops.Wrapf(apperrors.ErrAuthenticationFailed, "gcm open: %v", err)
	}
	return plaintext, nil
}

// Encrypt seals plaintext with the primary AES-GCM convention. There is deliberately
// no legacy encrypt path; CBC qualifiers are only ever read.
func Encrypt(key, plaintext, aad []byte) ([]byte, error) {
	gcm, err := newKeyNonceGCM(key)
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nil, key, plaintext, aad), nil
}

func newKeyNonceGCM(key []byte) (cipher.AEAD, error) {
	block, err := newBlock(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCMWithNonceSize(block, len(key))
	if err != nil {
		return nil, oops.Wrapf(apperrors.ErrInvalidKeyLength, "gcm: %v", err)
	}
	return gcm, nil
}

func newBlock(key []byte) (cipher.Block, error) {
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, oops.Wrapf(apperrors.ErrInvalidKeyLength,
			"key is %d bytes, want 16, 24 or 32", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, oops.Wrapf(apperrors.ErrInvalidKeyLength, "aes: %v", err)
	}
	return block, nil
}

// decryptLegacyCBC decrypts the pre-GCM format: AES-CBC, PKCS#7, IV = key.
// The IV must be one block, so only 16-byte keys can have produced such ciphertexts.
func decryptLegacyCBC(key, ciphertext []byte) ([]byte, error) {
	if len(key) != aes.BlockSize {
		return nil, oops.Wrapf(apperrors.ErrInvalidKeyLength,
			"legacy mode needs a %d byte key, got %d", aes.BlockSize, len(key))
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, oops.Wrapf(apperrors.ErrMalformedCiphertext,
			"ciphertext is not a multiple of the block size")
	}

	block, err := newBlock(key)
	if err != nil {
		return nil, err
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, key).CryptBlocks(plaintext, ciphertext)

	return pkcs7Unpad(plaintext)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	length := len(data)
	if length == 0 {
		return nil, oops.Wrapf(apperrors.ErrMalformedCiphertext, "data is empty")
	}

	padding := int(data[length-1])
	if padding == 0 || padding > aes.BlockSize || padding > length {
		return nil, oops.Wrapf(apperrors.ErrMalformedCiphertext, "invalid padding")
	}
	if !bytes.Equal(data[length-padding:], bytes.Repeat([]byte{byte(padding)}, padding)) {
		return nil, oops.Wrapf(apperrors.ErrMalformedCiphertext, "invalid padding")
	}

	return data[:length-padding], nil
}
