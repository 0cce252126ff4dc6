package domain

import (
	"encoding/hex"
	"strings"
	"time"
	"unicode"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/text/unicode/norm"
)

// MutationOp indicates what happened to a remote document
type MutationOp string

const (
	MutationCreate MutationOp = "create"
	MutationUpdate MutationOp = "update"
	MutationDelete MutationOp = "delete"
)

// DocumentMutation is one change emitted by the reconciler.
type DocumentMutation struct {
	Op       MutationOp `json:"op"`
	NativeID string     `json:"native_id"`

	// Fingerprint is the content hash; empty for deletes
	Fingerprint string `json:"fingerprint,omitempty"`

	// PayloadRef points at the raw payload in the provider (e.g. a message URL)
	PayloadRef string `json:"payload_ref,omitempty"`

	Title      string    `json:"title,omitempty"`
	Content    string    `json:"content,omitempty"`
	MimeType   string    `json:"mime_type,omitempty"`
	ModifiedAt time.Time `json:"modified_at"`
}

// IdempotencyKey identifies this exact version of the document.
func (m *DocumentMutation) IdempotencyKey() string {
	return m.NativeID + ":" + m.Fingerprint
}

// EnsureFingerprint computes the fingerprint for creates and updates if unset.
func (m *DocumentMutation) EnsureFingerprint() {
	if m.Op == MutationDelete || m.Fingerprint != "" {
		return
	}
	m.Fingerprint = Fingerprint(m.Title + "\n" + m.Content)
}

// Fingerprint hashes NFC-normalised, whitespace-collapsed content with BLAKE2b-256.
func Fingerprint(content string) string {
	sum := blake2b.Sum256([]byte(canonicalContent(content)))
	return hex.EncodeToString(sum[:])
}

func canonicalContent(content string) string {
	content = norm.NFC.String(content)
	var b strings.Builder
	b.Grow(len(content))
	space := false
	for _, r := range content {
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(r)
	}
	return b.String()
}
