package auth

import (
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/tickerpulse/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newPair(clock clockwork.Clock) (*Issuer, *Verifier) {
	return NewIssuer(testSecret, "tickerpulse", "clients", clock),
		NewVerifier(testSecret, "tickerpulse", "clients", clock)
}

func TestIssueAndVerify(t *testing.T) {
	clock := clockwork.NewFakeClock()
	issuer, verifier := newPair(clock)

	token, err := issuer.Issue("u1", "alice", time.Hour)
	require.NoError(t, err)

	claims, err := verifier.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, "alice", claims.Username)
	assert.Equal(t, clock.Now().Add(time.Hour).Unix(), claims.ExpiresAt.Unix())
}

func TestVerify_Expired(t *testing.T) {
	clock := clockwork.NewFakeClock()
	issuer, verifier := newPair(clock)

	token, err := issuer.Issue("u1", "alice", time.Minute)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)

	_, err = verifier.Verify(token)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestVerify_WrongSecret(t *testing.T) {
	clock := clockwork.NewFakeClock()
	issuer := NewIssuer("another-secret-another-secret", "tickerpulse", "clients", clock)
	_, verifier := newPair(clock)

	token, err := issuer.Issue("u1", "", time.Hour)
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
}

func TestVerify_WrongAudience(t *testing.T) {
	clock := clockwork.NewFakeClock()
	issuer := NewIssuer(testSecret, "tickerpulse", "someone-else", clock)
	_, verifier := newPair(clock)

	token, err := issuer.Issue("u1", "", time.Hour)
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	assert.ErrorIs(t, err, jwt.ErrTokenInvalidAudience)
}

func TestVerify_Garbage(t *testing.T) {
	_, verifier := newPair(clockwork.NewFakeClock())

	_, err := verifier.Verify("not-a-jwt")
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
}

func TestVerify_MissingUserID(t *testing.T) {
	clock := clockwork.NewFakeClock()
	issuer, verifier := newPair(clock)

	token, err := issuer.Issue("", "nobody", time.Hour)
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
}

func TestExtractToken_Priority(t *testing.T) {
	header := http.Header{}
	header.Set("Authorization", "Bearer from-header")
	query := url.Values{"token": {"from-query"}}

	tests := []struct {
		name string
		h    Handshake
		want string
	}{
		{"auth wins", Handshake{Auth: "from-auth", Query: query, Header: header}, "from-auth"},
		{"query before header", Handshake{Query: query, Header: header}, "from-query"},
		{"header only", Handshake{Header: header}, "from-header"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractToken(tt.h)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractToken_Missing(t *testing.T) {
	header := http.Header{}
	header.Set("Authorization", "Basic dXNlcjpwYXNz")

	_, err := ExtractToken(Handshake{Header: header})
	assert.ErrorIs(t, err, ErrMissingToken)

	_, err = ExtractToken(Handshake{})
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestHandshakeFromRequest(t *testing.T) {
	r, err := http.NewRequest(http.MethodGet, "http://example.test/ws?token=abc", nil)
	require.NoError(t, err)

	token, err := ExtractToken(HandshakeFromRequest(r))
	require.NoError(t, err)
	assert.Equal(t, "abc", token)
}
