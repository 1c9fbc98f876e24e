package encryption

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"portal-auth/internal/config"
	"portal-auth/internal/util"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"go.uber.org/zap"
)

var (
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
)

const (
	envelopeVersion = "v1"
	localKeyID      = "local"

	// PurposeSecondFactorSecret binds ciphertexts to the TOTP secret column.
	PurposeSecondFactorSecret = "second_factor_secret"
)

// KMSAPI is the subset of the KMS client used for envelope encryption.
type KMSAPI interface {
	GenerateDataKey(ctx context.Context, params *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

type EncryptedData struct {
	EncryptedValue string    `json:"encrypted_value"`
	EncryptedDEK   string    `json:"encrypted_dek"`
	KeyID          string    `json:"key_id"`
	Purpose        string    `json:"purpose"`
	Version        string    `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
}

// EncryptionManager seals account secrets with per-value data keys. With KMS
// disabled the data key is stored base64-encoded next to the ciphertext, which
// is only acceptable outside production.
type EncryptionManager struct {
	kmsClient KMSAPI
	config    *config.Config
	keyCache  sync.Map
}

type DataKey struct {
	Plaintext  []byte
	Ciphertext []byte
	KeyID      string
}

func NewEncryptionManager(cfg *config.Config, kmsClient KMSAPI) *EncryptionManager {
	if !cfg.KMS.Enabled {
		util.Warn("KMS disabled, using local data keys")
	}
	return &EncryptionManager{
		kmsClient: kmsClient,
		config:    cfg,
	}
}

func (em *EncryptionManager) kmsEnabled() bool {
	return em.config.KMS.Enabled && em.kmsClient != nil
}

// GenerateDataKey generates a new data encryption key using KMS
func (em *EncryptionManager) GenerateDataKey(ctx context.Context) (*DataKey, error) {
	if !em.kmsEnabled() {
		return generateLocalKey()
	}

	result, err := em.kmsClient.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:   aws.String(em.config.KMS.KeyID),
		KeySpec: types.DataKeySpecAes256,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}

	return &DataKey{
		Plaintext:  result.Plaintext,
		Ciphertext: result.CiphertextBlob,
		KeyID:      em.config.KMS.KeyID,
	}, nil
}

func generateLocalKey() (*DataKey, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate local data key: %w", err)
	}
	return &DataKey{
		Plaintext:  key,
		Ciphertext: []byte(base64.StdEncoding.EncodeToString(key)),
		KeyID:      localKeyID,
	}, nil
}

// EncryptField encrypts plaintext; purpose is authenticated as associated data
// so a ciphertext cannot be replayed into a different column.
func (em *EncryptionManager) EncryptField(ctx context.Context, plaintext, purpose string) (*EncryptedData, error) {
	dataKey, err := em.GenerateDataKey(ctx)
	if err != nil {
		return nil, err
	}

	gcm, err := newGCM(dataKey.Plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), []byte(purpose))

	encryptedDEK := base64.StdEncoding.EncodeToString(dataKey.Ciphertext)
	em.keyCache.Store(encryptedDEK, dataKey.Plaintext)

	util.Debug("Field encrypted", zap.String("purpose", purpose), zap.String("key_id", dataKey.KeyID))

	return &EncryptedData{
		EncryptedValue: base64.StdEncoding.EncodeToString(ciphertext),
		EncryptedDEK:   encryptedDEK,
		KeyID:          dataKey.KeyID,
		Purpose:        purpose,
		Version:        envelopeVersion,
		CreatedAt:      time.Now().UTC(),
	}, nil
}

// DecryptField decrypts encrypted field
func (em *EncryptionManager) DecryptField(ctx context.Context, encryptedData *EncryptedData) (string, error) {
	if encryptedData.Version != envelopeVersion {
		return "", fmt.Errorf("%w: unsupported envelope version %q", ErrDecryptionFailed, encryptedData.Version)
	}

	key, err := em.dataKeyFor(ctx, encryptedData)
	if err != nil {
		return "", err
	}

	ciphertext, err := base64.StdEncoding.DecodeString(encryptedData.EncryptedValue)
	if err != nil {
		return "", fmt.Errorf("%w: invalid ciphertext format", ErrDecryptionFailed)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}

	nonce, body := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, body, []byte(encryptedData.Purpose))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	return string(plaintext), nil
}

func (em *EncryptionManager) dataKeyFor(ctx context.Context, encryptedData *EncryptedData) ([]byte, error) {
	if cached, ok := em.keyCache.Load(encryptedData.EncryptedDEK); ok {
		return cached.([]byte), nil
	}

	blob, err := base64.StdEncoding.DecodeString(encryptedData.EncryptedDEK)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid DEK format", ErrDecryptionFailed)
	}

	var key []byte
	if encryptedData.KeyID == localKeyID {
		key, err = base64.StdEncoding.DecodeString(string(blob))
		if err != nil {
			return nil, fmt.Errorf("%w: invalid local DEK", ErrDecryptionFailed)
		}
	} else {
		if em.kmsClient == nil {
			return nil, fmt.Errorf("%w: KMS key %s but no KMS client", ErrDecryptionFailed, encryptedData.KeyID)
		}
		result, err := em.kmsClient.Decrypt(ctx, &kms.DecryptInput{
			CiphertextBlob: blob,
			KeyId:          aws.String(encryptedData.KeyID),
		})
		if err != nil {
			return nil, fmt.Errorf("%w: failed to decrypt DEK: %v", ErrDecryptionFailed, err)
		}
		key = result.Plaintext
	}

	em.keyCache.Store(encryptedData.EncryptedDEK, key)
	return key, nil
}

// Seal encrypts plaintext and returns the envelope as a JSON string suitable
// for a text column.
func (em *EncryptionManager) Seal(ctx context.Context, plaintext, purpose string) (string, error) {
	data, err := em.EncryptField(ctx, plaintext, purpose)
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	return string(raw), nil
}

// Open reverses Seal.
func (em *EncryptionManager) Open(ctx context.Context, sealed string) (string, error) {
	var data EncryptedData
	if err := json.Unmarshal([]byte(sealed), &data); err != nil {
		return "", fmt.Errorf("%w: invalid envelope", ErrDecryptionFailed)
	}
	return em.DecryptField(ctx, &data)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// ClearCache drops every cached plaintext data key.
func (em *EncryptionManager) ClearCache() {
	em.keyCache.Range(func(key, value interface{}) bool {
		em.keyCache.Delete(key)
		return true
	})
}

// GetCacheSize returns the number of cached DEKs
func (em *EncryptionManager) GetCacheSize() int {
	count := 0
	em.keyCache.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}
