// Package auth verifies federated identity tokens presented by publishers.
// The rest of the system trusts the resulting claim completely and never
// re-derives it.
package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/flakestry/flakestry/pkg/config"
	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned when a presented token fails verification.
var ErrInvalidToken = errors.New("invalid identity token")

// Claim is the verified identity of a publisher: the repository named by the
// token's repository claim, split into its owner and repo parts.
type Claim struct {
	Owner      string
	Repo       string
	Repository string
	Visibility string
}

// Verifier validates a raw identity token into a Claim.
type Verifier interface {
	Verify(ctx context.Context, rawToken string) (*Claim, error)
}

type githubClaims struct {
	jwt.RegisteredClaims
	Repository           string `json:"repository"`
	RepositoryVisibility string `json:"repository_visibility"`
}

// OIDCVerifier verifies GitHub Actions OIDC tokens using the issuer's
// published JWKS, cached with a TTL.
type OIDCVerifier struct {
	cfg  *config.OIDCConfig
	http *http.Client

	mu      sync.RWMutex
	keys    map[string]*rsa.PublicKey
	fetched time.Time
}

// NewOIDCVerifier creates a verifier for the configured issuer and audience.
func NewOIDCVerifier(cfg *config.OIDCConfig) *OIDCVerifier {
	return &OIDCVerifier{
		cfg:  cfg,
		http: &http.Client{Timeout: 10 * time.Second},
		keys: make(map[string]*rsa.PublicKey),
	}
}

// Verify checks the token signature, issuer and audience, and extracts the
// (owner, repo) pair from the repository claim.
func (v *OIDCVerifier) Verify(ctx context.Context, rawToken string) (*Claim, error) {
	claims := &githubClaims{}
	_, err := jwt.ParseWithClaims(rawToken, claims,
		func(token *jwt.Token) (interface{}, error) {
			kid, _ := token.Header["kid"].(string)
			return v.signingKey(ctx, kid)
		},
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithAudience(v.cfg.Audience),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	owner, repo, ok := strings.Cut(claims.Repository, "/")
	if !ok || owner == "" || repo == "" {
		return nil, fmt.Errorf("%w: malformed repository claim %q", ErrInvalidToken, claims.Repository)
	}

	return &Claim{
		Owner:      owner,
		Repo:       repo,
		Repository: claims.Repository,
		Visibility: claims.RepositoryVisibility,
	}, nil
}

func (v *OIDCVerifier) signingKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	v.mu.RLock()
	key, ok := v.keys[kid]
	fresh := time.Since(v.fetched) < v.cfg.KeyTTL
	v.mu.RUnlock()

	if ok && fresh {
		return key, nil
	}

	if err := v.refreshKeys(ctx); err != nil {
		return nil, err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()
	key, ok = v.keys[kid]
	if !ok {
		return nil, fmt.Errorf("no signing key with kid %q", kid)
	}
	return key, nil
}

type jwksResponse struct {
	Keys []struct {
		Kid string `json:"kid"`
		Kty string `json:"kty"`
		N   string `json:"n"`
		E   string `json:"e"`
	} `json:"keys"`
}

func (v *OIDCVerifier) refreshKeys(ctx context.Context) error {
	url := strings.TrimSuffix(v.cfg.Issuer, "/") + "/.well-known/jwks"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build JWKS request: %w", err)
	}

	resp, err := v.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	var jwks jwksResponse
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return fmt.Errorf("failed to decode JWKS: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(jwks.Keys))
	for _, k := range jwks.Keys {
		if k.Kty != "RSA" {
			continue
		}
		pub, err := parseRSAKey(k.N, k.E)
		if err != nil {
			return fmt.Errorf("failed to parse JWKS key %s: %w", k.Kid, err)
		}
		keys[k.Kid] = pub
	}

	v.mu.Lock()
	v.keys = keys
	v.fetched = time.Now()
	v.mu.Unlock()
	return nil
}

func parseRSAKey(n, e string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("bad modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("bad exponent: %w", err)
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(new(big.Int).SetBytes(eBytes).Int64()),
	}, nil
}
