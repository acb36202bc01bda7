package token

import (
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

// PasetoV4Signer issues PASETO v4.public tokens signed with an Ed25519 key.
type PasetoV4Signer struct {
	issuer    string
	ttl       time.Duration
	clockSkew time.Duration

	secret paseto.V4AsymmetricSecretKey
	public paseto.V4AsymmetricPublicKey
}

// NewPasetoV4Signer builds a signer from a hex-encoded v4 secret key.
func NewPasetoV4Signer(secretHex, issuer string, ttl, clockSkew time.Duration) (*PasetoV4Signer, error) {
	if secretHex == "" {
		return nil, ErrKeyMissing
	}
	secret, err := paseto.NewV4AsymmetricSecretKeyFromHex(secretHex)
	if err != nil {
		return nil, ErrKeyMissing
	}
	return &PasetoV4Signer{
		issuer:    issuer,
		ttl:       ttl,
		clockSkew: clockSkew,
		secret:    secret,
		public:    secret.Public(),
	}, nil
}

func (s *PasetoV4Signer) Sign(id Identity, now time.Time) (string, time.Time, error) {
	exp := now.Add(s.ttl)

	tok := paseto.NewToken()
	tok.SetIssuer(s.issuer)
	tok.SetSubject(id.AccountID)
	tok.SetIssuedAt(now)
	tok.SetNotBefore(now)
	tok.SetExpiration(exp)
	tok.SetString("username", id.Username)

	return tok.V4Sign(s.secret, nil), exp, nil
}

func (s *PasetoV4Signer) Verify(tok string, now time.Time) (AccessClaims, error) {
	if tok == "" || len(tok) > 4096 {
		return AccessClaims{}, ErrTokenInvalid
	}

	// Time rules are applied below against the caller's clock, not the parser's.
	p := paseto.NewParserWithoutExpiryCheck()
	p.AddRule(paseto.IssuedBy(s.issuer))

	parsed, err := p.ParseV4Public(s.public, tok, nil)
	if err != nil {
		return AccessClaims{}, ErrTokenInvalid
	}

	exp, err := parsed.GetExpiration()
	if err != nil {
		return AccessClaims{}, ErrTokenInvalid
	}
	if nbf, err := parsed.GetNotBefore(); err == nil && now.Add(s.clockSkew).Before(nbf) {
		return AccessClaims{}, ErrTokenInvalid
	}
	if !now.Add(-s.clockSkew).Before(exp) {
		return AccessClaims{}, ErrTokenExpired
	}

	sub, err := parsed.GetSubject()
	if err != nil || sub == "" {
		return AccessClaims{}, ErrTokenInvalid
	}
	username, err := parsed.GetString("username")
	if err != nil || username == "" {
		return AccessClaims{}, ErrTokenInvalid
	}
	iat, _ := parsed.GetIssuedAt()
	iss, _ := parsed.GetIssuer()

	return AccessClaims{
		Identity:  Identity{AccountID: sub, Username: username},
		Issuer:    iss,
		IssuedAt:  iat,
		ExpiresAt: exp,
	}, nil
}
