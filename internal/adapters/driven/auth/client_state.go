package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/custodia-labs/evergreen-sync/internal/core/domain"
	"github.com/custodia-labs/evergreen-sync/internal/core/ports/driven"
)

// Ensure ClientStateIssuer implements driven.ClientStateIssuer
var _ driven.ClientStateIssuer = (*ClientStateIssuer)(nil)

// MaxClientStateLength is the longest clientState Microsoft Graph accepts.
const MaxClientStateLength = 128

// ClientStateIssuer signs webhook client state as a compact HS256 JWT whose
// subject is the connection ID. Tokens do not expire: a renewed subscription
// keeps the clientState it was created with.
type ClientStateIssuer struct {
	secret []byte
}

// NewClientStateIssuer creates an issuer with the given HMAC secret.
func NewClientStateIssuer(secret string) (*ClientStateIssuer, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("%w: client state secret must be at least 16 bytes", domain.ErrInvalidInput)
	}
	return &ClientStateIssuer{secret: []byte(secret)}, nil
}

// Issue signs a token for connectionID. The header carries only the
// algorithm to stay under MaxClientStateLength.
func (i *ClientStateIssuer) Issue(connectionID, _ string) (string, error) {
	if connectionID == "" {
		return "", fmt.Errorf("%w: connection id is required", domain.ErrInvalidInput)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: connectionID})
	token.Header = map[string]any{"alg": jwt.SigningMethodHS256.Alg()}

	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign client state: %w", err)
	}
	if len(signed) > MaxClientStateLength {
		return "", fmt.Errorf("%w: client state for %q exceeds %d characters", domain.ErrInvalidInput, connectionID, MaxClientStateLength)
	}
	return signed, nil
}

// Verify checks the signature and returns the connection ID.
func (i *ClientStateIssuer) Verify(tokenString string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (any, error) {
		return i.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrTokenInvalid, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", domain.ErrTokenInvalid)
	}
	return claims.Subject, nil
}

// IsInvalid reports whether err came from a rejected token.
func IsInvalid(err error) bool {
	return errors.Is(err, domain.ErrTokenInvalid)
}
