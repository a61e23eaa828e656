package session

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
)

type accessJWTClaims struct {
	jwt.RegisteredClaims
	IssuedAtUS  int64    `json:"iat_us"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"perms"`
	DeviceID    string   `json:"did,omitempty"`
}

type jwtManager struct {
	issuer    string
	ttl       time.Duration
	clockSkew time.Duration
	key       []byte
}

// NewJWTManager builds an AccessTokenManager issuing HS256 JWTs.
func NewJWTManager(cfg Config) (AccessTokenManager, error) {
	if len(cfg.JWTSigningKey) < 32 {
		return nil, ErrConfig
	}
	return &jwtManager{
		issuer:    cfg.Issuer,
		ttl:       cfg.AccessTokenTTL,
		clockSkew: cfg.ClockSkew,
		key:       []byte(cfg.JWTSigningKey),
	}, nil
}

func (m *jwtManager) Issue(sub Subject, deviceID string, now time.Time) (string, AccessClaims, error) {
	exp := now.Add(m.ttl)
	jti := ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()

	claims := accessJWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   sub.UserID,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		IssuedAtUS:  now.UnixMicro(),
		Roles:       nonNil(sub.Roles),
		Permissions: nonNil(sub.Permissions),
		DeviceID:    deviceID,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.key)
	if err != nil {
		return "", AccessClaims{}, err
	}
	return signed, m.toAccess(claims), nil
}

func (m *jwtManager) Verify(token string, now time.Time) (AccessClaims, error) {
	return m.parse(token,
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(m.clockSkew),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
}

func (m *jwtManager) Inspect(token string) (AccessClaims, error) {
	return m.parse(token, jwt.WithoutClaimsValidation())
}

func (m *jwtManager) parse(token string, opts ...jwt.ParserOption) (AccessClaims, error) {
	opts = append(opts,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
	)

	var claims accessJWTClaims
	_, err := jwt.NewParser(opts...).ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return m.key, nil
	})
	if err != nil {
		return AccessClaims{}, ErrInvalidToken
	}
	// WithoutClaimsValidation also skips WithIssuer.
	if claims.Issuer != m.issuer {
		return AccessClaims{}, ErrInvalidToken
	}
	if claims.Subject == "" || claims.ID == "" || claims.ExpiresAt == nil {
		return AccessClaims{}, ErrInvalidToken
	}
	if claims.IssuedAtUS == 0 {
		return AccessClaims{}, ErrInvalidToken
	}
	return m.toAccess(claims), nil
}

func (m *jwtManager) toAccess(c accessJWTClaims) AccessClaims {
	out := AccessClaims{
		UserID:      c.Subject,
		TokenID:     c.ID,
		DeviceID:    c.DeviceID,
		Roles:       nonNil(c.Roles),
		Permissions: nonNil(c.Permissions),
		IssuedAt:    time.UnixMicro(c.IssuedAtUS).UTC(),
		Issuer:      c.Issuer,
	}
	if c.ExpiresAt != nil {
		out.ExpiresAt = c.ExpiresAt.Time
	}
	return out
}
