package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
)

const generatedKeyBytes = 32

var ErrNoSecretKey = errors.New("no secret key configured")

// LoadSecretKey returns the configured key from AUDIT_SECRET_KEY or
// AUDIT_SECRET_KEY_FILE without ever generating one.
func LoadSecretKey(a Audit) ([]byte, error) {
	if a.SecretKey != "" {
		return []byte(a.SecretKey), nil
	}
	if a.SecretKeyFile == "" {
		return nil, ErrNoSecretKey
	}

	data, err := os.ReadFile(a.SecretKeyFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoSecretKey
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read secret key file: %w", err)
	}

	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, fmt.Errorf("secret key file %s is empty", a.SecretKeyFile)
	}
	return []byte(trimmed), nil
}

// ResolveSecretKey returns the signing key, in order of preference: the
// AUDIT_SECRET_KEY value, the contents of AUDIT_SECRET_KEY_FILE, or a freshly
// generated key. A generated key is written to the key file when one is
// configured so the next start can verify today's signatures.
func ResolveSecretKey(a Audit) (key []byte, generated bool, err error) {
	key, err = LoadSecretKey(a)
	if err == nil {
		return key, false, nil
	}
	if !errors.Is(err, ErrNoSecretKey) {
		return nil, false, err
	}

	raw := make([]byte, generatedKeyBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, false, fmt.Errorf("failed to generate secret key: %w", err)
	}
	encoded := hex.EncodeToString(raw)

	if a.SecretKeyFile == "" {
		log.Warn("AUDIT_SECRET_KEY is not set; generated an ephemeral signing key. " +
			"Signatures written by this process cannot be verified after restart unless the key is persisted")
		return []byte(encoded), true, nil
	}

	if err := os.MkdirAll(filepath.Dir(a.SecretKeyFile), 0o700); err != nil {
		return nil, false, fmt.Errorf("failed to create secret key directory: %w", err)
	}
	if err := os.WriteFile(a.SecretKeyFile, []byte(encoded+"\n"), 0o600); err != nil {
		return nil, false, fmt.Errorf("failed to persist generated secret key: %w", err)
	}
	log.WithField("key_file", a.SecretKeyFile).
		Warn("AUDIT_SECRET_KEY is not set; generated a signing key and stored it in the key file. Back this file up")

	return []byte(encoded), true, nil
}
