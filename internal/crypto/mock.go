package crypto

import (
	"bytes"
	"context"
)

var mockPrefix = []byte("mock:")

// MockEncryptor implements Encryptor for local development (no KMS required).
// It only tags values so tests can tell they went through the encryptor.
type MockEncryptor struct{}

func NewMockEncryptor() *MockEncryptor {
	return &MockEncryptor{}
}

func (m *MockEncryptor) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	out := make([]byte, 0, len(mockPrefix)+len(plaintext))
	out = append(out, mockPrefix...)
	return append(out, plaintext...), nil
}

func (m *MockEncryptor) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	return bytes.TrimPrefix(ciphertext, mockPrefix), nil
}
