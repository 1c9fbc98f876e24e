package hashing

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"portal-auth/internal/config"
	"portal-auth/internal/util"

	"go.uber.org/zap"
	"golang.org/x/crypto/argon2"
)

var (
	ErrInvalidHash   = errors.New("invalid hash format")
	ErrUnknownPepper = errors.New("pepper version not found")
	ErrNoPepper      = errors.New("no pepper configured")
)

const (
	algorithm = "argon2id-v1"

	contextCredential = "credential"
	contextCode       = "otp"
)

type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// Hasher hashes login credentials and mailed one-time codes with argon2id.
// Peppers come from configuration so stored hashes survive restarts; the
// highest configured version is used for new hashes.
type Hasher struct {
	params  Argon2Params
	peppers map[int]string
	current int
	dummy   *HashResult
}

type HashResult struct {
	Hash          string `json:"hash"`
	Salt          string `json:"salt"`
	PepperVersion int    `json:"pepper_version"`
	Algorithm     string `json:"algorithm"`
}

func NewHasher(cfg *config.Config) (*Hasher, error) {
	if len(cfg.Hashing.Peppers) == 0 {
		return nil, ErrNoPepper
	}

	h := &Hasher{
		params: Argon2Params{
			Memory:      uint32(cfg.Hashing.Argon2MemoryCost),
			Iterations:  uint32(cfg.Hashing.Argon2TimeCost),
			Parallelism: uint8(cfg.Hashing.Argon2Parallelism),
			SaltLength:  16,
			KeyLength:   32,
		},
		peppers: make(map[int]string, len(cfg.Hashing.Peppers)),
	}

	versions := make([]int, 0, len(cfg.Hashing.Peppers))
	for version, value := range cfg.Hashing.Peppers {
		h.peppers[version] = value
		versions = append(versions, version)
	}
	sort.Ints(versions)
	h.current = versions[len(versions)-1]

	dummy, err := h.hashWithPepper("dummy-credential", contextCredential)
	if err != nil {
		return nil, err
	}
	h.dummy = dummy

	util.Info("Hasher initialized",
		zap.Int("pepper_version", h.current),
		zap.Int("pepper_count", len(h.peppers)),
		zap.Uint32("memory_kib", h.params.Memory),
	)

	return h, nil
}

func (h *Hasher) HashCredential(credential string) (*HashResult, error) {
	return h.hashWithPepper(credential, contextCredential)
}

// VerifyCredential compares credential against an encoded hash in constant time.
func (h *Hasher) VerifyCredential(credential, encoded string) (bool, error) {
	result, err := ParseHashResult(encoded)
	if err != nil {
		return false, err
	}
	return h.verifyWithPepper(credential, result, contextCredential)
}

// BurnCredentialCheck runs a full verification against a throwaway hash so a
// lookup miss costs the same as a wrong credential.
func (h *Hasher) BurnCredentialCheck(credential string) {
	_, _ = h.verifyWithPepper(credential, h.dummy, contextCredential)
}

func (h *Hasher) HashCode(code string) (*HashResult, error) {
	return h.hashWithPepper(code, contextCode)
}

func (h *Hasher) VerifyCode(code, encoded string) (bool, error) {
	result, err := ParseHashResult(encoded)
	if err != nil {
		return false, err
	}
	return h.verifyWithPepper(code, result, contextCode)
}

// NeedsRehash reports whether encoded was produced with an older pepper.
func (h *Hasher) NeedsRehash(encoded string) bool {
	result, err := ParseHashResult(encoded)
	if err != nil {
		return true
	}
	return result.PepperVersion != h.current
}

func (h *Hasher) hashWithPepper(data, context string) (*HashResult, error) {
	pepper := h.peppers[h.current]

	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	hash := argon2.IDKey(
		contextualize(data, pepper, context),
		salt,
		h.params.Iterations,
		h.params.Memory,
		h.params.Parallelism,
		h.params.KeyLength,
	)

	return &HashResult{
		Hash:          base64.RawURLEncoding.EncodeToString(hash),
		Salt:          base64.RawURLEncoding.EncodeToString(salt),
		PepperVersion: h.current,
		Algorithm:     algorithm,
	}, nil
}

func (h *Hasher) verifyWithPepper(data string, hashResult *HashResult, context string) (bool, error) {
	pepper, ok := h.peppers[hashResult.PepperVersion]
	if !ok {
		return false, fmt.Errorf("%w: %d", ErrUnknownPepper, hashResult.PepperVersion)
	}

	salt, err := base64.RawURLEncoding.DecodeString(hashResult.Salt)
	if err != nil {
		return false, ErrInvalidHash
	}

	expectedHash, err := base64.RawURLEncoding.DecodeString(hashResult.Hash)
	if err != nil {
		return false, ErrInvalidHash
	}

	computedHash := argon2.IDKey(
		contextualize(data, pepper, context),
		salt,
		h.params.Iterations,
		h.params.Memory,
		h.params.Parallelism,
		uint32(len(expectedHash)),
	)

	return subtle.ConstantTimeCompare(computedHash, expectedHash) == 1, nil
}

// contextualize keeps credential and code hashes from being interchangeable.
func contextualize(data, pepper, context string) []byte {
	return []byte(context + "\x00" + pepper + "\x00" + data)
}

// Encode renders the result as "algorithm$pepperVersion$salt$hash" for storage
// in a single column.
func (r *HashResult) Encode() string {
	return strings.Join([]string{r.Algorithm, strconv.Itoa(r.PepperVersion), r.Salt, r.Hash}, "$")
}

func ParseHashResult(encoded string) (*HashResult, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 4 || parts[0] != algorithm {
		return nil, ErrInvalidHash
	}
	version, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, ErrInvalidHash
	}
	return &HashResult{
		Algorithm:     parts[0],
		PepperVersion: version,
		Salt:          parts[2],
		Hash:          parts[3],
	}, nil
}

// Benchmark hashing performance
func (h *Hasher) Benchmark(iterations int) time.Duration {
	start := time.Now()

	for i := 0; i < iterations; i++ {
		if _, err := h.HashCredential(fmt.Sprintf("benchmark%d", i)); err != nil {
			util.Error("Benchmark failed", zap.Error(err))
			return 0
		}
	}

	return time.Since(start)
}
