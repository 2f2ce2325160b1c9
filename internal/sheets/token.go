package sheets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/agentworkforce/rostersync/internal/remote"
)

const (
	defaultTokenURI = "https://oauth2.googleapis.com/token"
	readOnlyScopes  = "https://www.googleapis.com/auth/spreadsheets.readonly https://www.googleapis.com/auth/drive.metadata.readonly"
	tokenRefreshGap = time.Minute
)

var ErrInvalidCredentials = errors.New("invalid service account credentials")

type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }
func (t StaticToken) Invalidate()                           {}

type serviceAccountKey struct {
	Type         string `json:"type"`
	ClientEmail  string `json:"client_email"`
	PrivateKey   string `json:"private_key"`
	PrivateKeyID string `json:"private_key_id"`
	TokenURI     string `json:"token_uri"`
}

// ServiceAccountTokenSource exchanges a signed JWT assertion for an access
// token and caches it until shortly before expiry.
type ServiceAccountTokenSource struct {
	key        serviceAccountKey
	httpClient *http.Client
	scopes     string
	now        func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func NewServiceAccountTokenSource(credentialsJSON []byte, httpClient *http.Client) (*ServiceAccountTokenSource, error) {
	var key serviceAccountKey
	if err := json.Unmarshal(credentialsJSON, &key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	if strings.TrimSpace(key.ClientEmail) == "" || strings.TrimSpace(key.PrivateKey) == "" {
		return nil, fmt.Errorf("%w: client_email and private_key are required", ErrInvalidCredentials)
	}
	if _, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(key.PrivateKey)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	if strings.TrimSpace(key.TokenURI) == "" {
		key.TokenURI = defaultTokenURI
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &ServiceAccountTokenSource{
		key:        key,
		httpClient: httpClient,
		scopes:     readOnlyScopes,
		now:        time.Now,
	}, nil
}

func LoadServiceAccountTokenSource(path string, httpClient *http.Client) (*ServiceAccountTokenSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return NewServiceAccountTokenSource(data, httpClient)
}

func (s *ServiceAccountTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if s.token != "" && now.Add(tokenRefreshGap).Before(s.expiresAt) {
		return s.token, nil
	}
	assertion, err := s.assertion(now)
	if err != nil {
		return "", err
	}
	form := url.Values{}
	form.Set("grant_type", "urn:ietf:params:oauth:grant-type:jwt-bearer")
	form.Set("assertion", assertion)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.key.TokenURI, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", remote.Unavailable(fmt.Errorf("token exchange: %w", err))
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return "", remote.Unavailable(fmt.Errorf("token exchange: %v", readErr))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		status := resp.StatusCode
		// The token endpoint answers 400 invalid_grant for revoked or
		// disabled keys.
		if status == http.StatusBadRequest || status == http.StatusForbidden {
			status = http.StatusUnauthorized
		}
		return "", remote.NewHTTPError(status, "token_exchange", strings.TrimSpace(string(payload)), 0)
	}
	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(payload, &out); err != nil || out.AccessToken == "" {
		return "", remote.Unavailable(fmt.Errorf("token exchange: malformed response"))
	}
	s.token = out.AccessToken
	s.expiresAt = now.Add(time.Duration(out.ExpiresIn) * time.Second)
	return s.token, nil
}

func (s *ServiceAccountTokenSource) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.expiresAt = time.Time{}
}

func (s *ServiceAccountTokenSource) assertion(now time.Time) (string, error) {
	privateKey, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(s.key.PrivateKey))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	claims := struct {
		Scope string `json:"scope"`
		jwt.RegisteredClaims
	}{
		Scope: s.scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.key.ClientEmail,
			Audience:  jwt.ClaimStrings{s.key.TokenURI},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if s.key.PrivateKeyID != "" {
		token.Header["kid"] = s.key.PrivateKeyID
	}
	return token.SignedString(privateKey)
}
