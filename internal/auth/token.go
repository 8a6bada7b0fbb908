package auth

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/tickerpulse/internal/domain"
)

const bearerPrefix = "Bearer "

var ErrMissingToken = errors.New("no token provided")

// Claims are the JWT claims accepted by the service.
type Claims struct {
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// Handshake carries every place a client may put its token.
type Handshake struct {
	Auth   string
	Query  url.Values
	Header http.Header
}

// HandshakeFromRequest captures the query and headers of an upgrade request.
func HandshakeFromRequest(r *http.Request) Handshake {
	return Handshake{Query: r.URL.Query(), Header: r.Header}
}

// ExtractToken returns the first token found in the auth field, the token
// query parameter or the Authorization header.
func ExtractToken(h Handshake) (string, error) {
	if token := strings.TrimSpace(h.Auth); token != "" {
		return token, nil
	}
	if token := strings.TrimSpace(h.Query.Get("token")); token != "" {
		return token, nil
	}
	if header := h.Header.Get("Authorization"); strings.HasPrefix(header, bearerPrefix) {
		if token := strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix)); token != "" {
			return token, nil
		}
	}
	return "", ErrMissingToken
}

type Verifier struct {
	secret   []byte
	issuer   string
	audience string
	clock    clockwork.Clock
}

func NewVerifier(secret, issuer, audience string, clock clockwork.Clock) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer, audience: audience, clock: clock}
}

// Verify checks signature, expiry, issuer and audience. Every failure wraps
// domain.ErrUnauthenticated.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithTimeFunc(v.clock.Now),
		jwt.WithExpirationRequired(),
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrUnauthenticated, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%w: invalid token claims", domain.ErrUnauthenticated)
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: token has no userId", domain.ErrUnauthenticated)
	}
	return claims, nil
}

// Issuer mints tokens the Verifier with the same settings accepts.
type Issuer struct {
	secret   []byte
	issuer   string
	audience string
	clock    clockwork.Clock
}

func NewIssuer(secret, issuer, audience string, clock clockwork.Clock) *Issuer {
	return &Issuer{secret: []byte(secret), issuer: issuer, audience: audience, clock: clock}
}

func (i *Issuer) Issue(userID, username string, ttl time.Duration) (string, error) {
	now := i.clock.Now()
	claims := &Claims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if i.audience != "" {
		claims.Audience = jwt.ClaimStrings{i.audience}
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
