package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"deviceauth/internal/security"
)

// seal-secret turns the plaintext static secret into the value expected in
// DEVICEAUTH_QUALIFIER_SEALED_SECRET. The same salt goes into DEVICEAUTH_QUALIFIER_SEAL_SALT.
func main() {
	var (
		inputFile = flag.String("input", "-", "File holding the static secret, - for stdin")
		salt      = flag.String("salt", "", "Application salt, at least 16 bytes (required)")
		verify    = flag.Bool("verify", true, "Open the sealed value again before printing it")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if *salt == "" {
		logger.Error("salt is required")
		os.Exit(2)
	}

	secret, err := readSecret(*inputFile)
	if err != nil {
		logger.Error("failed to read secret", slog.String("error", err.Error()))
		os.Exit(1)
	}

	encoded, err := seal(secret, []byte(*salt), *verify)
	if err != nil {
		logger.Error("failed to seal secret", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("secret sealed", slog.Int("secret_length", len(secret)))
	fmt.Println(encoded)
}

func readSecret(path string) ([]byte, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}

	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	secret := strings.TrimRight(line, "\r\n")
	if secret == "" {
		return nil, errors.New("secret is empty")
	}
	return []byte(secret), nil
}

func seal(secret, salt []byte, verify bool) (string, error) {
	cfg := security.DefaultSealConfig()

	sealed, err := security.SealSecret(secret, salt, cfg)
	if err != nil {
		return "", err
	}

	encoded, err := sealed.Encode()
	if err != nil {
		return "", err
	}

	if !verify {
		return encoded, nil
	}

	decoded, err := security.DecodeSealedSecret(encoded)
	if err != nil {
		return "", fmt.Errorf("verification decode failed: %w", err)
	}
	opened, err := security.OpenSecret(decoded, salt, cfg)
	if err != nil {
		return "", fmt.Errorf("verification open failed: %w", err)
	}
	if !security.SecureCompare(opened, secret) {
		return "", errors.New("verification mismatch")
	}
	return encoded, nil
}
