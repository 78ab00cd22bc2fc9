package medfed

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// vaultNonceSize is the nonce size for AES-GCM
	vaultNonceSize = 12
	// vaultSaltSize is the salt size for key derivation
	vaultSaltSize = 32
	// vaultKeySize is the AES-256 key size
	vaultKeySize = 32
	// vaultPBKDF2Iterations is the number of iterations for key derivation
	vaultPBKDF2Iterations = 100000
)

// SealSecretKey wraps the coordinator's CKKS secret key for storage at rest:
// AES-256-GCM under a PBKDF2-derived key. Output layout: salt | nonce |
// ciphertext. The sealed blob is safe to keep alongside round history; the
// passphrase is not.
func SealSecretKey(sk *rlwe.SecretKey, passphrase string) ([]byte, error) {
	if sk == nil {
		return nil, ErrNoSecretKey
	}
	if passphrase == "" {
		return nil, errors.New("passphrase required")
	}

	raw, err := sk.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize secret key: %w", err)
	}

	salt := make([]byte, vaultSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key := pbkdf2.Key([]byte(passphrase), salt, vaultPBKDF2Iterations, vaultKeySize, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, vaultNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	out := make([]byte, 0, vaultSaltSize+vaultNonceSize+len(raw)+gcm.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, raw, nil)
	return out, nil
}

// OpenSecretKey recovers a secret key sealed by SealSecretKey. A wrong
// passphrase or tampered blob fails authentication.
func OpenSecretKey(blob []byte, passphrase string) (*rlwe.SecretKey, error) {
	if len(blob) < vaultSaltSize+vaultNonceSize+1 {
		return nil, errors.New("sealed key blob too short")
	}
	salt := blob[:vaultSaltSize]
	nonce := blob[vaultSaltSize : vaultSaltSize+vaultNonceSize]
	sealed := blob[vaultSaltSize+vaultNonceSize:]

	key := pbkdf2.Key([]byte(passphrase), salt, vaultPBKDF2Iterations, vaultKeySize, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	raw, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, errors.New("failed to unseal secret key: wrong passphrase or corrupted blob")
	}

	sk := new(rlwe.SecretKey)
	if err := sk.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("failed to deserialize secret key: %w", err)
	}
	return sk, nil
}
