package usertoken

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"smartlibrary/pkg/domain"
)

const (
	defaultIssuer   = "smartlibrary-auth"
	defaultAudience = "smartlibrary-api"
	defaultLeeway   = 30 * time.Second
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrInvalidRole  = errors.New("token role not recognised")
)

// Claims is the access-token payload issued by the identity provider.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Config configures user access-token verification.
type Config struct {
	// PublicKeyPEM takes precedence over PublicKeyPath.
	PublicKeyPEM  []byte
	PublicKeyPath string
	Issuer        string
	Audience      string
	Leeway        time.Duration
}

// Verifier validates RS256 user access tokens and maps them to an Actor.
type Verifier struct {
	key      *rsa.PublicKey
	issuer   string
	audience string
	leeway   time.Duration
}

// NewVerifier creates a token verifier from an RSA public key in PEM form.
func NewVerifier(cfg Config) (*Verifier, error) {
	pemBytes := cfg.PublicKeyPEM
	if len(pemBytes) == 0 {
		path := strings.TrimSpace(cfg.PublicKeyPath)
		if path == "" {
			return nil, errors.New("token verifier requires a public key")
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read public key: %w", err)
		}
		pemBytes = data
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}

	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultIssuer
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		audience = defaultAudience
	}
	leeway := cfg.Leeway
	if leeway <= 0 {
		leeway = defaultLeeway
	}
	return &Verifier{key: key, issuer: issuer, audience: audience, leeway: leeway}, nil
}

// VerifyActor validates the token and returns the acting user. The subject
// must be a positive numeric user id; a missing role means "user".
func (v *Verifier) VerifyActor(token string) (domain.Actor, error) {
	claims := Claims{}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	)
	if err != nil {
		return domain.Actor{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return domain.Actor{}, ErrInvalidToken
	}

	userID, err := strconv.ParseInt(strings.TrimSpace(claims.Subject), 10, 64)
	if err != nil || userID <= 0 {
		return domain.Actor{}, fmt.Errorf("%w: subject %q is not a user id", ErrInvalidToken, claims.Subject)
	}
	role, err := parseRole(claims.Role)
	if err != nil {
		return domain.Actor{}, err
	}
	return domain.Actor{UserID: userID, Role: role}, nil
}

func parseRole(raw string) (domain.UserRole, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(domain.RoleUser):
		return domain.RoleUser, nil
	case string(domain.RoleAdmin):
		return domain.RoleAdmin, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, raw)
	}
}
