package crypto

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
)

// Encryptor seals values before they reach the local durable tier.
type Encryptor interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

// KMSClient is the subset of *kms.Client methods used by KMSService.
type KMSClient interface {
	GenerateDataKey(ctx context.Context, params *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// ErrMalformedCiphertext is returned for sealed values that cannot be parsed.
var ErrMalformedCiphertext = errors.New("malformed ciphertext")

// KMSService implements envelope encryption: one KMS data key per process
// seals every value locally with AES-GCM, and the wrapped data key travels
// with each value so any process holding KMS access can open it.
//
// Sealed layout: uint16 wrapped-key length | wrapped key | nonce | AES-GCM ciphertext.
type KMSService struct {
	client KMSClient
	keyID  string

	mu      sync.Mutex
	wrapped []byte
	plain   []byte
	opened  map[string][]byte // wrapped key -> plaintext key
}

// NewKMSService creates a new KMSService.
// keyID can be a key ID, key ARN, or alias name (e.g., "alias/gophboard-local-store").
func NewKMSService(client KMSClient, keyID string) *KMSService {
	return &KMSService{
		client: client,
		keyID:  keyID,
		opened: make(map[string][]byte),
	}
}

func (s *KMSService) dataKey(ctx context.Context) ([]byte, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.plain != nil {
		return s.wrapped, s.plain, nil
	}

	out, err := s.client.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:   aws.String(s.keyID),
		KeySpec: types.DataKeySpecAes256,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate data key: %w", err)
	}
	s.wrapped = out.CiphertextBlob
	s.plain = out.Plaintext
	s.opened[string(out.CiphertextBlob)] = out.Plaintext
	return s.wrapped, s.plain, nil
}

func (s *KMSService) openKey(ctx context.Context, wrapped []byte) ([]byte, error) {
	s.mu.Lock()
	key, ok := s.opened[string(wrapped)]
	s.mu.Unlock()
	if ok {
		return key, nil
	}

	out, err := s.client.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob: wrapped,
		KeyId:          aws.String(s.keyID),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt data key: %w", err)
	}

	s.mu.Lock()
	s.opened[string(wrapped)] = out.Plaintext
	s.mu.Unlock()
	return out.Plaintext, nil
}

// Encrypt seals plaintext with the process data key.
func (s *KMSService) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	wrapped, key, err := s.dataKey(ctx)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to read nonce: %w", err)
	}

	out := make([]byte, 2, 2+len(wrapped)+len(nonce)+len(plaintext)+gcm.Overhead())
	binary.BigEndian.PutUint16(out, uint16(len(wrapped)))
	out = append(out, wrapped...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plaintext, nil), nil
}

// Decrypt opens a value sealed by Encrypt.
func (s *KMSService) Decrypt(ctx context.Context, sealed []byte) ([]byte, error) {
	if len(sealed) < 2 {
		return nil, ErrMalformedCiphertext
	}
	n := int(binary.BigEndian.Uint16(sealed))
	if len(sealed) < 2+n {
		return nil, ErrMalformedCiphertext
	}
	wrapped := sealed[2 : 2+n]
	rest := sealed[2+n:]

	key, err := s.openKey(ctx, wrapped)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(rest) < gcm.NonceSize() {
		return nil, ErrMalformedCiphertext
	}

	plaintext, err := gcm.Open(nil, rest[:gcm.NonceSize()], rest[gcm.NonceSize():], nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open sealed value: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("invalid data key: %w", err)
	}
	return cipher.NewGCM(block)
}
