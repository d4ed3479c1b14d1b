package crypto

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"abuse-shield/internal/config"
	"abuse-shield/internal/util"
)

var (
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
)

// EncryptedIdentifier holds an envelope-encrypted raw identifier: the value
// is sealed with a per-record data key, and the data key itself is sealed
// with the KMS master key.
type EncryptedIdentifier struct {
	EncryptedValue string `json:"encrypted_value"`
	EncryptedDEK   string `json:"encrypted_dek"`
	KeyID          string `json:"key_id"`
}

type dataKey struct {
	Plaintext  []byte
	Ciphertext []byte
	KeyID      string
}

// Encryptor performs envelope encryption of raw identifiers before they are
// persisted in block records. Decrypted DEKs are cached to avoid a KMS call
// per admin read.
type Encryptor struct {
	kmsClient *kms.Client
	config    *config.Config
	keyCache  sync.Map
}

func NewEncryptor(cfg *config.Config, kmsClient *kms.Client) *Encryptor {
	return &Encryptor{
		kmsClient: kmsClient,
		config:    cfg,
	}
}

func (e *Encryptor) generateDataKey(ctx context.Context) (*dataKey, error) {
	if !e.config.KMS.Enabled {
		return e.generateLocalKey(), nil
	}

	input := &kms.GenerateDataKeyInput{
		KeyId:   aws.String(e.config.KMS.KeyID),
		KeySpec: types.DataKeySpecAes256,
	}

	result, err := e.kmsClient.GenerateDataKey(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}

	return &dataKey{
		Plaintext:  result.Plaintext,
		Ciphertext: result.CiphertextBlob,
		KeyID:      e.config.KMS.KeyID,
	}, nil
}

// generateLocalKey stands in for KMS in development: the "encrypted" DEK is
// the plaintext key itself, so the stored form is just its base64.
func (e *Encryptor) generateLocalKey() *dataKey {
	key := make([]byte, 32) // AES-256
	if _, err := rand.Read(key); err != nil {
		util.Fatal("Failed to generate local encryption key", zap.Error(err))
	}

	return &dataKey{
		Plaintext:  key,
		Ciphertext: key,
		KeyID:      uuid.New().String(),
	}
}

// EncryptIdentifier seals a raw identifier for at-rest storage.
func (e *Encryptor) EncryptIdentifier(ctx context.Context, identifier string) (*EncryptedIdentifier, error) {
	key, err := e.generateDataKey(ctx)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key.Plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(identifier), nil)
	encryptedDEK := base64.StdEncoding.EncodeToString(key.Ciphertext)

	e.keyCache.Store(encryptedDEK, key.Plaintext)

	return &EncryptedIdentifier{
		EncryptedValue: base64.StdEncoding.EncodeToString(ciphertext),
		EncryptedDEK:   encryptedDEK,
		KeyID:          key.KeyID,
	}, nil
}

// DecryptIdentifier recovers the raw identifier from an encrypted record.
func (e *Encryptor) DecryptIdentifier(ctx context.Context, enc *EncryptedIdentifier) (string, error) {
	if cached, ok := e.keyCache.Load(enc.EncryptedDEK); ok {
		return e.decryptWithKey(enc.EncryptedValue, cached.([]byte))
	}

	var plaintextDEK []byte
	if e.config.KMS.Enabled {
		ciphertextBlob, err := base64.StdEncoding.DecodeString(enc.EncryptedDEK)
		if err != nil {
			return "", fmt.Errorf("%w: invalid DEK format", ErrDecryptionFailed)
		}

		result, err := e.kmsClient.Decrypt(ctx, &kms.DecryptInput{
			CiphertextBlob: ciphertextBlob,
		})
		if err != nil {
			return "", fmt.Errorf("%w: failed to decrypt DEK: %v", ErrDecryptionFailed, err)
		}

		plaintextDEK = result.Plaintext
	} else {
		var err error
		plaintextDEK, err = base64.StdEncoding.DecodeString(enc.EncryptedDEK)
		if err != nil {
			return "", fmt.Errorf("%w: invalid local DEK", ErrDecryptionFailed)
		}
	}

	e.keyCache.Store(enc.EncryptedDEK, plaintextDEK)

	return e.decryptWithKey(enc.EncryptedValue, plaintextDEK)
}

func (e *Encryptor) decryptWithKey(encryptedValue string, key []byte) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encryptedValue)
	if err != nil {
		return "", fmt.Errorf("%w: invalid ciphertext format", ErrDecryptionFailed)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	return string(plaintext), nil
}

// ClearCache drops all cached DEKs.
func (e *Encryptor) ClearCache() {
	e.keyCache.Range(func(key, _ interface{}) bool {
		e.keyCache.Delete(key)
		return true
	})
}
