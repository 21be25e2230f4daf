package kv

import (
	"context"

	"github.com/jun/gophboard/internal/crypto"
)

// EncryptedStore seals values with an Encryptor before they reach the inner store.
// Keys stay in plaintext so prefix listing keeps working.
type EncryptedStore struct {
	inner Store
	enc   crypto.Encryptor
}

// NewEncryptedStore wraps inner.
func NewEncryptedStore(inner Store, enc crypto.Encryptor) *EncryptedStore {
	return &EncryptedStore{inner: inner, enc: enc}
}

func (s *EncryptedStore) Get(ctx context.Context, key string) ([]byte, error) {
	sealed, err := s.inner.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return s.enc.Decrypt(ctx, sealed)
}

func (s *EncryptedStore) Set(ctx context.Context, key string, value []byte) error {
	sealed, err := s.enc.Encrypt(ctx, value)
	if err != nil {
		return err
	}
	return s.inner.Set(ctx, key, sealed)
}

func (s *EncryptedStore) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, key)
}

func (s *EncryptedStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	return s.inner.Keys(ctx, prefix)
}
