package cancellation

import (
	"crypto/sha256"
	"crypto/subtle"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"golang.org/x/crypto/hkdf"

	"qms/walkin-service/internal/store"
)

const (
	DefaultTokenTTL = 24 * time.Hour
	keyInfo         = "walkin-service/cancel-token/v1"
)

// ErrTokensDisabled is returned when no signing secret is configured. Only
// token based cancellation is affected.
var ErrTokensDisabled = errors.New("cancel token secret not configured")

type claims struct {
	LocationID string `json:"sid"`
	jwt.RegisteredClaims
}

// Tokens issues and verifies the credential a customer receives on join and
// presents to cancel. It is an HS256 JWT bound to customer and location.
type Tokens struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

func NewTokens(secret string, ttl time.Duration) (*Tokens, error) {
	if secret == "" {
		return nil, ErrTokensDisabled
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(keyInfo)), key); err != nil {
		return nil, errors.Wrap(err, "derive cancel token key")
	}
	return &Tokens{key: key, ttl: ttl, now: time.Now}, nil
}

func (t *Tokens) Issue(customerID, locationID string) (string, error) {
	now := t.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		LocationID: locationID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   customerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	})
	signed, err := token.SignedString(t.key)
	return signed, errors.Wrap(err, "sign cancel token")
}

// Verify checks signature, expiry and the customer/location binding. Every
// failure is reported as store.ErrAccessDenied.
func (t *Tokens) Verify(raw, customerID, locationID string) error {
	var c claims
	_, err := jwt.ParseWithClaims(raw, &c, func(*jwt.Token) (interface{}, error) {
		return t.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithSubject(customerID),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return errors.Wrap(store.ErrAccessDenied, err.Error())
	}
	if subtle.ConstantTimeCompare([]byte(c.LocationID), []byte(locationID)) != 1 {
		return errors.Wrap(store.ErrAccessDenied, "token bound to another location")
	}
	return nil
}
