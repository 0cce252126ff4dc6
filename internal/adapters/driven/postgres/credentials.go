package postgres

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/custodia-labs/evergreen-sync/internal/core/domain"
	"github.com/custodia-labs/evergreen-sync/internal/core/ports/driven"
)

const (
	// sealVersion prefixes every sealed blob so the format can change later.
	sealVersion = 0x02

	// KeySize is the required length of the vault key.
	KeySize = chacha20poly1305.KeySize
)

var (
	// ErrInvalidKeySize is returned when the vault key is not KeySize bytes.
	ErrInvalidKeySize = errors.New("credential key must be 32 bytes")

	// ErrSealedBlob is returned when a blob is truncated, tampered with, or
	// sealed for another credential reference.
	ErrSealedBlob = errors.New("credential blob cannot be opened")
)

// Verify interface compliance
var _ driven.CredentialResolver = (*CredentialVault)(nil)

// credential is the sealed payload of one credential reference.
type credential struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
}

// CredentialVault stores provider access tokens sealed with
// XChaCha20-Poly1305. The credential reference is bound as associated data,
// so a blob copied onto another row does not open.
type CredentialVault struct {
	db   *DB
	aead cipher.AEAD
}

// NewCredentialVault creates a vault with a 32-byte key.
func NewCredentialVault(db *DB, key []byte) (*CredentialVault, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidKeySize, len(key))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return &CredentialVault{db: db, aead: aead}, nil
}

// Store seals and upserts a token for ref.
func (v *CredentialVault) Store(ctx context.Context, ref, accessToken string, expiresAt time.Time) error {
	blob, err := v.seal(ref, credential{AccessToken: accessToken, ExpiresAt: expiresAt})
	if err != nil {
		return err
	}
	_, err = v.db.ExecContext(ctx, `
		INSERT INTO credentials (ref, encrypted_token, expires_at, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (ref) DO UPDATE SET
			encrypted_token = EXCLUDED.encrypted_token,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at`,
		ref, blob, NullTime(nonZero(expiresAt)))
	if err != nil {
		return fmt.Errorf("store credential: %w", err)
	}
	return nil
}

// AccessToken returns the bearer token for ref. A missing, unreadable or
// expired credential is an auth error: the connection needs new consent.
func (v *CredentialVault) AccessToken(ctx context.Context, ref string) (string, error) {
	var blob []byte
	err := v.db.QueryRowContext(ctx, `SELECT encrypted_token FROM credentials WHERE ref = $1`, ref).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.NewSyncError(domain.ErrorKindAuth, "credentials", "credential not found", domain.ErrTokenInvalid)
	}
	if err != nil {
		return "", fmt.Errorf("load credential: %w", err)
	}

	cred, err := v.open(ref, blob)
	if err != nil {
		return "", domain.NewSyncError(domain.ErrorKindAuth, "credentials", "credential unreadable", err)
	}
	if !cred.ExpiresAt.IsZero() && !time.Now().Before(cred.ExpiresAt) {
		return "", domain.NewSyncError(domain.ErrorKindAuth, "credentials", "credential expired", domain.ErrTokenInvalid)
	}
	return cred.AccessToken, nil
}

// seal produces version || nonce || ciphertext.
func (v *CredentialVault) seal(ref string, cred credential) ([]byte, error) {
	plaintext, err := json.Marshal(cred)
	if err != nil {
		return nil, fmt.Errorf("marshal credential: %w", err)
	}
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	blob := append([]byte{sealVersion}, nonce...)
	return v.aead.Seal(blob, nonce, plaintext, []byte(ref)), nil
}

func (v *CredentialVault) open(ref string, blob []byte) (*credential, error) {
	ns := v.aead.NonceSize()
	if len(blob) < 1+ns+v.aead.Overhead() || blob[0] != sealVersion {
		return nil, ErrSealedBlob
	}
	plaintext, err := v.aead.Open(nil, blob[1:1+ns], blob[1+ns:], []byte(ref))
	if err != nil {
		return nil, ErrSealedBlob
	}
	var cred credential
	if err := json.Unmarshal(plaintext, &cred); err != nil {
		return nil, fmt.Errorf("decode credential: %w", err)
	}
	return &cred, nil
}

func nonZero(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
