package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/flakestry/flakestry/pkg/config"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAudience = "http://localhost:8000"

type testIssuer struct {
	key    *rsa.PrivateKey
	server *httptest.Server
}

func newTestIssuer(t *testing.T) *testIssuer {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	issuer := &testIssuer{key: key}
	issuer.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/.well-known/jwks", r.URL.Path)
		jwks := fmt.Sprintf(`{"keys":[{"kty":"RSA","kid":"test-key","n":%q,"e":"AQAB"}]}`,
			base64.RawURLEncoding.EncodeToString(key.N.Bytes()))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(jwks))
	}))
	t.Cleanup(issuer.server.Close)
	return issuer
}

func (i *testIssuer) config() *config.OIDCConfig {
	return &config.OIDCConfig{
		Issuer:   i.server.URL,
		Audience: testAudience,
		KeyTTL:   time.Hour,
	}
}

func (i *testIssuer) sign(t *testing.T, claims jwt.MapClaims) string {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "test-key"
	signed, err := token.SignedString(i.key)
	require.NoError(t, err)
	return signed
}

func (i *testIssuer) defaultClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"iss":                   i.server.URL,
		"aud":                   testAudience,
		"exp":                   time.Now().Add(time.Hour).Unix(),
		"iat":                   time.Now().Unix(),
		"repository":            "nixos/nixpkgs",
		"repository_visibility": "public",
	}
}

func TestVerifyValidToken(t *testing.T) {
	issuer := newTestIssuer(t)
	verifier := NewOIDCVerifier(issuer.config())

	claim, err := verifier.Verify(context.Background(), issuer.sign(t, issuer.defaultClaims()))
	require.NoError(t, err)
	assert.Equal(t, "nixos", claim.Owner)
	assert.Equal(t, "nixpkgs", claim.Repo)
	assert.Equal(t, "nixos/nixpkgs", claim.Repository)
	assert.Equal(t, "public", claim.Visibility)
}

func TestVerifyRejectsWrongAudience(t *testing.T) {
	issuer := newTestIssuer(t)
	verifier := NewOIDCVerifier(issuer.config())

	claims := issuer.defaultClaims()
	claims["aud"] = "https://evil.example.com"

	_, err := verifier.Verify(context.Background(), issuer.sign(t, claims))
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	issuer := newTestIssuer(t)
	verifier := NewOIDCVerifier(issuer.config())

	claims := issuer.defaultClaims()
	claims["exp"] = time.Now().Add(-time.Hour).Unix()

	_, err := verifier.Verify(context.Background(), issuer.sign(t, claims))
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsMalformedRepositoryClaim(t *testing.T) {
	issuer := newTestIssuer(t)
	verifier := NewOIDCVerifier(issuer.config())

	claims := issuer.defaultClaims()
	claims["repository"] = "no-slash-here"

	_, err := verifier.Verify(context.Background(), issuer.sign(t, claims))
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsUnknownSigningKey(t *testing.T) {
	issuer := newTestIssuer(t)
	verifier := NewOIDCVerifier(issuer.config())

	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, issuer.defaultClaims())
	token.Header["kid"] = "unknown-key"
	signed, err := token.SignedString(otherKey)
	require.NoError(t, err)

	_, err = verifier.Verify(context.Background(), signed)
	require.ErrorIs(t, err, ErrInvalidToken)
}
