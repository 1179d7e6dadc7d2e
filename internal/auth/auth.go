// Package auth provides the device identity presented to the gateway.
//
// Each client instance holds an Ed25519 key pair and mints short-lived EdDSA
// JWTs as its connect token. Keys can be loaded from a PEM file or
// auto-generated; a configured path that does not exist yet is created, so
// the identity survives restarts.
package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims extends jwt.RegisteredClaims with the device fields the gateway
// checks during the handshake.
type Claims struct {
	jwt.RegisteredClaims
	DeviceName string `json:"device_name"`
	PublicKey  string `json:"public_key"` // base64 raw Ed25519 public key
}

// DeviceIdentity signs connect tokens for one client device.
type DeviceIdentity struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	deviceID   string
	name       string
	expiration time.Duration
}

// NewDeviceIdentity loads the key at keyPath, creating it when the path is
// set but absent. An empty path generates an ephemeral key pair, which means
// a fresh device identity on every start.
func NewDeviceIdentity(keyPath, name string, expiration time.Duration) (*DeviceIdentity, error) {
	var priv ed25519.PrivateKey
	switch {
	case keyPath == "":
		slog.Warn("auth: no device key file configured, generating ephemeral identity")
		var err error
		_, priv, err = ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("auth: generate key pair: %w", err)
		}
	default:
		var err error
		priv, err = loadKey(keyPath)
		if errors.Is(err, os.ErrNotExist) {
			priv, err = createKey(keyPath)
		}
		if err != nil {
			return nil, err
		}
	}

	pub := priv.Public().(ed25519.PublicKey)
	return &DeviceIdentity{
		privateKey: priv,
		publicKey:  pub,
		deviceID:   deriveDeviceID(pub),
		name:       name,
		expiration: expiration,
	}, nil
}

func loadKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from validated config, not user input
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("auth: decode device key PEM")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parse device key: %w", err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("auth: device key is not Ed25519")
	}
	return priv, nil
}

func createKey(path string) (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("auth: generate key pair: %w", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("auth: marshal device key: %w", err)
	}
	data := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("auth: write device key: %w", err)
	}
	slog.Info("auth: created device key", "path", path)
	return priv, nil
}

// deriveDeviceID folds the public key into a stable printable id.
func deriveDeviceID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:8])
}

// DeviceID returns the identity's stable id, derived from the public key.
func (d *DeviceIdentity) DeviceID() string { return d.deviceID }

// PublicKey returns the raw public key, base64 encoded.
func (d *DeviceIdentity) PublicKey() string {
	return base64.StdEncoding.EncodeToString(d.publicKey)
}

// Token mints a fresh signed connect token. Implements the gateway's
// credential source.
func (d *DeviceIdentity) Token(ctx context.Context) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   d.deviceID,
			Issuer:    d.name,
			Audience:  jwt.ClaimStrings{"gateway"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(d.expiration)),
			ID:        uuid.New().String(),
		},
		DeviceName: d.name,
		PublicKey:  d.PublicKey(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(d.privateKey)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// Verify parses a token against this identity's public key. Used by tests
// and diagnostics; the gateway does the authoritative check server-side.
func (d *DeviceIdentity) Verify(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return d.publicKey, nil
		},
		jwt.WithAudience("gateway"),
	)
	if err != nil {
		return nil, fmt.Errorf("auth: validate token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("auth: invalid token claims")
	}
	return claims, nil
}

// StaticToken is a fixed bearer token credential, for deployments where the
// gateway hands out tokens itself.
type StaticToken string

// Token returns the fixed token.
func (s StaticToken) Token(ctx context.Context) (string, error) {
	if s == "" {
		return "", fmt.Errorf("auth: empty static token")
	}
	return string(s), nil
}
