package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type jwtClaims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// HS256Signer issues HMAC-SHA256 JWTs; the account id travels in "sub".
type HS256Signer struct {
	key       []byte
	issuer    string
	ttl       time.Duration
	clockSkew time.Duration
}

// NewHS256Signer validates key length and returns a signer.
func NewHS256Signer(key []byte, issuer string, ttl, clockSkew time.Duration) (*HS256Signer, error) {
	if len(key) == 0 {
		return nil, ErrKeyMissing
	}
	if len(key) < MinKeyBytes {
		return nil, ErrKeyTooShort
	}
	return &HS256Signer{key: key, issuer: issuer, ttl: ttl, clockSkew: clockSkew}, nil
}

func (s *HS256Signer) Sign(id Identity, now time.Time) (string, time.Time, error) {
	now = now.Truncate(time.Second)
	exp := now.Add(s.ttl)
	claims := jwtClaims{
		Username: id.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   id.AccountID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

func (s *HS256Signer) Verify(tok string, now time.Time) (AccessClaims, error) {
	if tok == "" || len(tok) > 4096 {
		return AccessClaims{}, ErrTokenInvalid
	}

	var claims jwtClaims
	_, err := jwt.ParseWithClaims(tok, &claims,
		func(*jwt.Token) (any, error) { return s.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(s.clockSkew),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return AccessClaims{}, ErrTokenExpired
	case err != nil:
		return AccessClaims{}, ErrTokenInvalid
	case claims.Subject == "" || claims.Username == "":
		return AccessClaims{}, ErrTokenInvalid
	}

	return AccessClaims{
		Identity:  Identity{AccountID: claims.Subject, Username: claims.Username},
		Issuer:    claims.Issuer,
		IssuedAt:  claims.IssuedAt.Time,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}
