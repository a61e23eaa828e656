package session

import (
	"errors"
	"time"

	paseto "aidanwoods.dev/go-paseto"
	"github.com/oklog/ulid/v2"
)

var (
	errTokenNotYetValid  = errors.New("paseto: token not yet valid")
	errTokenExpiredClaim = errors.New("paseto: token expired")
)

type pasetoV4PublicManager struct {
	issuer    string
	ttl       time.Duration
	clockSkew time.Duration

	secret paseto.V4AsymmetricSecretKey
	public paseto.V4AsymmetricPublicKey
}

// NewPasetoV4PublicManager builds an AccessTokenManager based on PASETO v4.public.
//
// It uses an Ed25519 asymmetric keypair and enforces issuer and validity rules.
// Clock skew widens the validity window on both ends during verification.
func NewPasetoV4PublicManager(cfg Config) (AccessTokenManager, error) {
	secret, err := paseto.NewV4AsymmetricSecretKeyFromHex(cfg.PasetoV4SecretKeyHex)
	if err != nil {
		return nil, ErrConfig
	}

	return &pasetoV4PublicManager{
		issuer:    cfg.Issuer,
		ttl:       cfg.AccessTokenTTL,
		clockSkew: cfg.ClockSkew,
		secret:    secret,
		public:    secret.Public(),
	}, nil
}

func (m *pasetoV4PublicManager) Issue(sub Subject, deviceID string, now time.Time) (string, AccessClaims, error) {
	// Wire format is RFC3339 (seconds); keep the returned expiry identical.
	exp := now.Add(m.ttl).Truncate(time.Second)
	jti := ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()

	tok := paseto.NewToken()
	tok.SetIssuer(m.issuer)
	tok.SetSubject(sub.UserID)
	tok.SetJti(jti)
	tok.SetIssuedAt(now)
	tok.SetNotBefore(now)
	tok.SetExpiration(exp)

	// iat is second-granular on the wire; iat_us backs the user revocation watermark.
	if err := tok.Set("iat_us", now.UnixMicro()); err != nil {
		return "", AccessClaims{}, err
	}
	if err := tok.Set("roles", nonNil(sub.Roles)); err != nil {
		return "", AccessClaims{}, err
	}
	if err := tok.Set("perms", nonNil(sub.Permissions)); err != nil {
		return "", AccessClaims{}, err
	}
	if deviceID != "" {
		tok.SetString("did", deviceID)
	}

	signed := tok.V4Sign(m.secret, nil)
	return signed, AccessClaims{
		UserID:      sub.UserID,
		TokenID:     jti,
		DeviceID:    deviceID,
		Roles:       nonNil(sub.Roles),
		Permissions: nonNil(sub.Permissions),
		IssuedAt:    time.UnixMicro(now.UnixMicro()).UTC(),
		ExpiresAt:   exp,
		Issuer:      m.issuer,
	}, nil
}

func (m *pasetoV4PublicManager) Verify(token string, now time.Time) (AccessClaims, error) {
	p := paseto.NewParserWithoutExpiryCheck()
	p.AddRule(paseto.IssuedBy(m.issuer))
	p.AddRule(validWithin(now, m.clockSkew))
	return m.parse(p, token)
}

// validWithin accepts nbf up to skew in the future and exp up to skew in the past.
func validWithin(now time.Time, skew time.Duration) paseto.Rule {
	return func(t paseto.Token) error {
		nbf, err := t.GetNotBefore()
		if err != nil {
			return err
		}
		if nbf.After(now.Add(skew)) {
			return errTokenNotYetValid
		}
		exp, err := t.GetExpiration()
		if err != nil {
			return err
		}
		if !exp.After(now.Add(-skew)) {
			return errTokenExpiredClaim
		}
		return nil
	}
}

func (m *pasetoV4PublicManager) Inspect(token string) (AccessClaims, error) {
	p := paseto.NewParserWithoutExpiryCheck()
	p.AddRule(paseto.IssuedBy(m.issuer))
	return m.parse(p, token)
}

func (m *pasetoV4PublicManager) parse(p paseto.Parser, token string) (AccessClaims, error) {
	parsed, err := p.ParseV4Public(m.public, token, nil)
	if err != nil {
		return AccessClaims{}, ErrInvalidToken
	}

	sub, err := parsed.GetSubject()
	if err != nil || sub == "" {
		return AccessClaims{}, ErrInvalidToken
	}
	jti, err := parsed.GetJti()
	if err != nil || jti == "" {
		return AccessClaims{}, ErrInvalidToken
	}
	exp, err := parsed.GetExpiration()
	if err != nil {
		return AccessClaims{}, ErrInvalidToken
	}
	iss, _ := parsed.GetIssuer()

	var iatUS int64
	if err := parsed.Get("iat_us", &iatUS); err != nil {
		return AccessClaims{}, ErrInvalidToken
	}

	var roles, perms []string
	_ = parsed.Get("roles", &roles)
	_ = parsed.Get("perms", &perms)
	did, _ := parsed.GetString("did")

	return AccessClaims{
		UserID:      sub,
		TokenID:     jti,
		DeviceID:    did,
		Roles:       nonNil(roles),
		Permissions: nonNil(perms),
		IssuedAt:    time.UnixMicro(iatUS).UTC(),
		ExpiresAt:   exp,
		Issuer:      iss,
	}, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
