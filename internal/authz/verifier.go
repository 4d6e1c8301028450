// Package authz verifies bearer tokens on the websocket handshake. Token
// issuance lives elsewhere; this core only checks signatures and extracts
// the user identity.
package authz

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"e2ee-relay/internal/domain"
)

var ErrInvalidToken = errors.New("invalid token")

type Claims struct {
	UserID domain.UserID
}

type Verifier interface {
	Verify(token string) (Claims, error)
}

// HMACVerifier validates HS256 tokens signed with a shared secret.
type HMACVerifier struct {
	secret []byte
	issuer string
}

func NewHMACVerifier(secret, issuer string) *HMACVerifier {
	return &HMACVerifier{secret: []byte(secret), issuer: issuer}
}

func (v *HMACVerifier) Verify(tokStr string) (Claims, error) {
	token, err := jwt.Parse(tokStr, func(token *jwt.Token) (interface{}, error) {
		// Ensure HS* (HMAC) only
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %T", token.Method)
		}
		return v.secret, nil
	}, jwt.WithIssuer(v.issuer))
	if err != nil || !token.Valid {
		return Claims{}, ErrInvalidToken
	}
	return claimsFrom(token)
}

// EdDSAVerifier validates Ed25519 tokens against a configured public key.
type EdDSAVerifier struct {
	public ed25519.PublicKey
	issuer string
}

func NewEdDSAVerifier(pubB64, issuer string) (*EdDSAVerifier, error) {
	raw, err := base64.StdEncoding.DecodeString(pubB64)
	if err != nil {
		return nil, err
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, errors.New("invalid ed25519 public key size")
	}
	return &EdDSAVerifier{public: ed25519.PublicKey(raw), issuer: issuer}, nil
}

func (v *EdDSAVerifier) Verify(tokStr string) (Claims, error) {
	token, err := jwt.Parse(tokStr, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %T", token.Method)
		}
		return v.public, nil
	}, jwt.WithIssuer(v.issuer))
	if err != nil || !token.Valid {
		return Claims{}, ErrInvalidToken
	}
	return claimsFrom(token)
}

func claimsFrom(token *jwt.Token) (Claims, error) {
	mc, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, ErrInvalidToken
	}
	sub, err := mc.GetSubject()
	if err != nil || sub == "" {
		return Claims{}, ErrInvalidToken
	}
	uid, err := uuid.Parse(sub)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	return Claims{UserID: uid}, nil
}
