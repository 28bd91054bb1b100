// Package token mints and verifies access credentials, generates opaque
// session secrets and produces the one-way digests stored in their place.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const sessionSecretBytes = 32

var ErrInvalidToken = errors.New("invalid token")

// Identity is the account data encoded into an access credential.
type Identity struct {
	AccountID   uuid.UUID
	DisplayName string
	Email       string
}

type AccessClaims struct {
	jwt.RegisteredClaims
	Name  string `json:"name"`
	Email string `json:"email"`
}

// AccountID parses the subject claim.
func (c *AccessClaims) AccountID() (uuid.UUID, error) {
	return uuid.Parse(c.Subject)
}

type Codec struct {
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	bcryptCost int
	now        func() time.Time
}

func NewCodec(secret, issuer string, accessTTL time.Duration, bcryptCost int) *Codec {
	if bcryptCost == 0 {
		bcryptCost = bcrypt.DefaultCost
	}
	return &Codec{
		secret:     []byte(secret),
		issuer:     issuer,
		accessTTL:  accessTTL,
		bcryptCost: bcryptCost,
		now:        time.Now,
	}
}

func (c *Codec) MintAccessCredential(id Identity) (string, error) {
	now := c.now()
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   id.AccountID.String(),
			Issuer:    c.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.accessTTL)),
		},
		Name:  id.DisplayName,
		Email: id.Email,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(c.secret)
}

func (c *Codec) ParseAccessCredential(tokenString string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return c.secret, nil
	}, jwt.WithIssuer(c.issuer), jwt.WithTimeFunc(c.now))
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// GenerateSessionSecret returns 32 random bytes, URL-safe base64 without padding.
func (c *Codec) GenerateSessionSecret() (string, error) {
	b := make([]byte, sessionSecretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Digest returns the hex SHA-256 of a session secret.
func (c *Codec) Digest(secret string) string {
	h := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(h[:])
}

func (c *Codec) HashPassword(raw string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(raw), c.bcryptCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

func (c *Codec) VerifyPassword(raw, digest string) bool {
	return bcrypt.CompareHashAndPassword([]byte(digest), []byte(raw)) == nil
}
