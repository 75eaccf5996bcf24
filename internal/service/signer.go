package service

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"audit-service/internal/domain"

	"github.com/google/uuid"
)

var errEmptyKey = errors.New("secret key is empty")

// ChainSigner binds each entry to its content and to the signature of the
// entry signed before it.
type ChainSigner struct {
	key []byte
}

func NewChainSigner(key []byte) (*ChainSigner, error) {
	if len(key) == 0 {
		return nil, &domain.SigningError{Err: errEmptyKey}
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &ChainSigner{key: k}, nil
}

// Sign computes HMAC-SHA256(key, hash || previousHash), or over hash alone for
// the first entry of the chain.
func (s *ChainSigner) Sign(hash string, previousHash *string) (string, error) {
	if s == nil || len(s.key) == 0 {
		return "", &domain.SigningError{Err: errEmptyKey}
	}

	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(hash))
	if previousHash != nil {
		mac.Write([]byte(*previousHash))
	}
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// SignEntry stamps entry with its signature and previous hash and returns the
// ledger row that follows tail. A nil tail starts the chain at block 1.
func (s *ChainSigner) SignEntry(entry *domain.AuditLogEntry, tail *domain.ChainLink) (*domain.AuditChainEntry, error) {
	hash, err := HashEntry(entry)
	if err != nil {
		return nil, &domain.SigningError{Err: err}
	}

	var previousHash *string
	blockIndex := int64(1)
	if tail != nil {
		prev := tail.Signature
		previousHash = &prev
		blockIndex = tail.BlockIndex + 1
	}

	signature, err := s.Sign(hash, previousHash)
	if err != nil {
		return nil, err
	}

	entry.Signature = &signature
	entry.PreviousHash = previousHash

	return &domain.AuditChainEntry{
		ID:           uuid.NewString(),
		LogID:        entry.ID,
		Hash:         hash,
		PreviousHash: previousHash,
		Signature:    signature,
		Timestamp:    entry.Timestamp,
		BlockIndex:   blockIndex,
	}, nil
}

func (s *ChainSigner) matches(signature, hash string, previousHash *string) bool {
	expected, err := s.Sign(hash, previousHash)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(signature))
}
