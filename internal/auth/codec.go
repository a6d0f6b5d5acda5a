package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"tenantgate.org/internal/ids"
)

const (
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 30 * 24 * time.Hour
)

// TokenKind discriminates access tokens from refresh tokens.
type TokenKind string

const (
	KindAccess  TokenKind = "access"
	KindRefresh TokenKind = "refresh"
)

// Claims is the payload carried by every token.
type Claims struct {
	Type           TokenKind `json:"type"`
	OrganizationID string    `json:"organization_id,omitempty"`
	Roles          []string  `json:"roles,omitempty"`
	SessionID      string    `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

// SigningKey describes one key of the codec key ring.
type SigningKey struct {
	ID            string
	Algorithm     string // HS256 (default) or RS256
	Secret        []byte
	PrivateKeyPEM string
	PublicKeyPEM  string
}

// CodecConfig is the immutable configuration of a Codec. Keys[0] signs; the
// remaining keys are accepted for verification only.
type CodecConfig struct {
	Issuer     string
	Keys       []SigningKey
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Leeway     time.Duration
}

type codecKey struct {
	id     string
	method jwt.SigningMethod
	sign   any
	verify any
}

// Codec issues and verifies signed, time-bounded tokens.
type Codec struct {
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	leeway     time.Duration
	active     codecKey
	byID       map[string]codecKey
	methods    []string
	now        func() time.Time
}

// CodecOption configures Codec behavior.
type CodecOption func(*Codec)

// WithCodecClock overrides the codec time source.
func WithCodecClock(fn func() time.Time) CodecOption {
	return func(c *Codec) {
		if fn != nil {
			c.now = fn
		}
	}
}

// NewCodec validates cfg and builds a codec from a private copy of it.
func NewCodec(cfg CodecConfig, opts ...CodecOption) (*Codec, error) {
	if len(cfg.Keys) == 0 {
		return nil, fmt.Errorf("%w: at least one signing key is required", ErrInvalidInput)
	}
	c := &Codec{
		issuer:     strings.TrimSpace(cfg.Issuer),
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		leeway:     cfg.Leeway,
		byID:       make(map[string]codecKey, len(cfg.Keys)),
		now:        time.Now,
	}
	if c.accessTTL <= 0 {
		c.accessTTL = DefaultAccessTTL
	}
	if c.refreshTTL <= 0 {
		c.refreshTTL = DefaultRefreshTTL
	}
	seenMethods := make(map[string]struct{})
	for i, sk := range cfg.Keys {
		key, err := parseSigningKey(sk)
		if err != nil {
			return nil, fmt.Errorf("auth: signing key %d: %w", i, err)
		}
		if i == 0 {
			c.active = key
		}
		if _, dup := c.byID[key.id]; dup {
			return nil, fmt.Errorf("%w: duplicate key id %q", ErrInvalidInput, key.id)
		}
		c.byID[key.id] = key
		if _, ok := seenMethods[key.method.Alg()]; !ok {
			seenMethods[key.method.Alg()] = struct{}{}
			c.methods = append(c.methods, key.method.Alg())
		}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func parseSigningKey(sk SigningKey) (codecKey, error) {
	alg := strings.ToUpper(strings.TrimSpace(sk.Algorithm))
	if alg == "" {
		alg = jwt.SigningMethodHS256.Alg()
	}
	key := codecKey{id: strings.TrimSpace(sk.ID)}
	switch alg {
	case jwt.SigningMethodHS256.Alg():
		if len(sk.Secret) == 0 {
			return codecKey{}, fmt.Errorf("%w: HS256 secret is empty", ErrInvalidInput)
		}
		secret := append([]byte(nil), sk.Secret...)
		key.method = jwt.SigningMethodHS256
		key.sign = secret
		key.verify = secret
	case jwt.SigningMethodRS256.Alg():
		pub, err := jwt.ParseRSAPublicKeyFromPEM([]byte(sk.PublicKeyPEM))
		if err != nil {
			return codecKey{}, fmt.Errorf("parse public key: %w", err)
		}
		key.method = jwt.SigningMethodRS256
		key.verify = pub
		if strings.TrimSpace(sk.PrivateKeyPEM) != "" {
			priv, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(sk.PrivateKeyPEM))
			if err != nil {
				return codecKey{}, fmt.Errorf("parse private key: %w", err)
			}
			key.sign = priv
		}
	default:
		return codecKey{}, fmt.Errorf("%w: unsupported algorithm %q", ErrInvalidInput, alg)
	}
	return key, nil
}

// AccessTTL returns the configured access token lifetime.
func (c *Codec) AccessTTL() time.Duration { return c.accessTTL }

// RefreshTTL returns the configured refresh token lifetime.
func (c *Codec) RefreshTTL() time.Duration { return c.refreshTTL }

func (c *Codec) ttlFor(kind TokenKind) time.Duration {
	if kind == KindRefresh {
		return c.refreshTTL
	}
	return c.accessTTL
}

// Issue signs a token of the given kind for subject. A non-positive ttl selects
// the default for kind. extra supplies the optional claims; when extra.ID is
// empty a fresh 128-bit jti is generated.
func (c *Codec) Issue(kind TokenKind, subject string, ttl time.Duration, extra Claims) (string, *Claims, error) {
	if kind != KindAccess && kind != KindRefresh {
		return "", nil, fmt.Errorf("%w: unknown token kind %q", ErrInvalidInput, kind)
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", nil, fmt.Errorf("%w: subject is required", ErrInvalidInput)
	}
	if c.active.sign == nil {
		return "", nil, fmt.Errorf("%w: active key %q cannot sign", ErrInternal, c.active.id)
	}
	if ttl <= 0 {
		ttl = c.ttlFor(kind)
	}
	jti := extra.ID
	if jti == "" {
		var err error
		if jti, err = ids.TokenID(); err != nil {
			return "", nil, fmt.Errorf("%w: generate jti: %v", ErrInternal, err)
		}
	}
	now := c.now().UTC()
	claims := &Claims{
		Type:           kind,
		OrganizationID: extra.OrganizationID,
		Roles:          append([]string(nil), extra.Roles...),
		SessionID:      extra.SessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   subject,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(c.active.method, claims)
	if c.active.id != "" {
		token.Header["kid"] = c.active.id
	}
	signed, err := token.SignedString(c.active.sign)
	if err != nil {
		return "", nil, fmt.Errorf("%w: sign token: %v", ErrInternal, err)
	}
	return signed, claims, nil
}

// Verify checks signature, expiry and type. Failures wrap exactly one of
// ErrTokenExpired, ErrTokenMalformed, ErrTokenBadSignature or ErrTokenWrongType.
func (c *Codec) Verify(token string, expected TokenKind) (*Claims, error) {
	return c.parse(token, expected, true)
}

// DecodeRefresh checks signature, issuer and type of a refresh token but leaves
// expiry to the caller, so the ledger can report it as its own error kind.
func (c *Codec) DecodeRefresh(token string) (*Claims, error) {
	return c.parse(token, KindRefresh, false)
}

func (c *Codec) parse(token string, expected TokenKind, checkExpiry bool) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrTokenMalformed)
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods(c.methods)}
	if checkExpiry {
		opts = append(opts,
			jwt.WithTimeFunc(c.now),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(c.leeway),
		)
		if c.issuer != "" {
			opts = append(opts, jwt.WithIssuer(c.issuer))
		}
	} else {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, c.keyFor, opts...)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, fmt.Errorf("%w: %w", ErrTokenExpired, err)
		case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
			return nil, fmt.Errorf("%w: %w", ErrTokenBadSignature, err)
		default:
			return nil, fmt.Errorf("%w: %w", ErrTokenMalformed, err)
		}
	}
	if !checkExpiry {
		if c.issuer != "" && claims.Issuer != c.issuer {
			return nil, fmt.Errorf("%w: unexpected issuer %q", ErrTokenMalformed, claims.Issuer)
		}
		if claims.ExpiresAt == nil {
			return nil, fmt.Errorf("%w: exp missing", ErrTokenMalformed)
		}
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, fmt.Errorf("%w: subject missing", ErrTokenMalformed)
	}
	if claims.Type != expected {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrTokenWrongType, claims.Type, expected)
	}
	return claims, nil
}

func (c *Codec) keyFor(t *jwt.Token) (any, error) {
	key := c.active
	if kid, ok := t.Header["kid"].(string); ok && kid != "" {
		found, ok := c.byID[kid]
		if !ok {
			return nil, fmt.Errorf("unknown key id %q", kid)
		}
		key = found
	}
	if t.Method.Alg() != key.method.Alg() {
		return nil, fmt.Errorf("algorithm %s does not match key %q", t.Method.Alg(), key.id)
	}
	return key.verify, nil
}
