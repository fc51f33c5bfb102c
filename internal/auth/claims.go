package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrUnauthenticated covers a missing or malformed Authorization header
	// and tokens that cannot be decoded at all.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrMissingTenant means the token decoded fine but carries no tenant_id
	// claim. Kept distinct from ErrUnauthenticated so the HTTP layer can
	// answer 403 instead of 401.
	ErrMissingTenant = errors.New("token missing tenant_id claim")
)

// Claims is the decoded payload of a bearer token. Only TenantID is required;
// everything else rides along untouched.
type Claims struct {
	TenantID string
	Subject  string
	Email    string
	Extra    map[string]any
}

// Extractor turns Authorization header values into Claims.
//
// With verification off it trusts whatever the token says, which means any
// caller can forge a tenant id. That trust boundary is deliberate; main logs
// it loudly at startup. Strict mode verifies HMAC-SHA256 with Secret and
// rejects expired tokens.
type Extractor struct {
	Secret string
	Strict bool
}

func (e Extractor) FromHeader(header string) (Claims, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return Claims{}, fmt.Errorf("missing Authorization header: %w", ErrUnauthenticated)
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return Claims{}, fmt.Errorf("bad Authorization header format: %w", ErrUnauthenticated)
	}
	return e.fromToken(parts[1])
}

func (e Extractor) fromToken(raw string) (Claims, error) {
	mapClaims := jwt.MapClaims{}

	if e.Strict {
		_, err := jwt.ParseWithClaims(raw, mapClaims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
			}
			return []byte(e.Secret), nil
		})
		if err != nil {
			return Claims{}, fmt.Errorf("invalid token: %v: %w", err, ErrUnauthenticated)
		}
	} else {
		parser := jwt.NewParser()
		if _, _, err := parser.ParseUnverified(raw, mapClaims); err != nil {
			return Claims{}, fmt.Errorf("invalid token: %v: %w", err, ErrUnauthenticated)
		}
	}

	tenant, _ := mapClaims["tenant_id"].(string)
	if tenant == "" {
		return Claims{}, ErrMissingTenant
	}

	claims := Claims{TenantID: tenant, Extra: map[string]any{}}
	for key, value := range mapClaims {
		switch key {
		case "tenant_id":
		case "sub":
			claims.Subject, _ = value.(string)
		case "email":
			claims.Email, _ = value.(string)
		default:
			claims.Extra[key] = value
		}
	}
	return claims, nil
}

// Issue mints an HMAC-SHA256 token carrying a tenant_id claim. Used by the
// mktoken tool and by strict-mode tests.
func Issue(secret, tenantID, subject, email string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"tenant_id": tenantID,
		"iat":       now.Unix(),
		"nbf":       now.Unix(),
		"exp":       now.Add(ttl).Unix(),
	}
	if subject != "" {
		claims["sub"] = subject
	}
	if email != "" {
		claims["email"] = email
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
