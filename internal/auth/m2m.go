package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ms-gatescan/internal/config"
	"ms-gatescan/internal/logger"
)

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// TokenSource obtains client-credentials tokens for gate agent to gate server
// calls and caches them until shortly before expiry.
type TokenSource struct {
	cfg    config.AuthConfig
	client *http.Client
	log    *logger.Logger
	cache  memoryTokenCache
	now    func() time.Time
}

func NewTokenSource(cfg config.AuthConfig, client *http.Client, log *logger.Logger) *TokenSource {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &TokenSource{cfg: cfg, client: client, log: log, now: time.Now}
}

// Enabled reports whether Keycloak client credentials are configured.
func (s *TokenSource) Enabled() bool {
	return s != nil && s.cfg.KeycloakURL != "" && s.cfg.ClientID != ""
}

// Token returns a cached token or fetches a new one. It returns "" when
// service auth is not configured.
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	if !s.Enabled() {
		return "", nil
	}
	if token, ok := s.cache.get(s.now()); ok {
		return token, nil
	}

	tokenURL := fmt.Sprintf("%s/realms/%s/protocol/openid-connect/token", strings.TrimRight(s.cfg.KeycloakURL, "/"), s.cfg.KeycloakRealm)

	data := url.Values{}
	data.Set("grant_type", "client_credentials")
	data.Set("client_id", s.cfg.ClientID)
	data.Set("client_secret", s.cfg.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request service token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		s.log.LogSecurity("M2M_TOKEN", fmt.Sprintf("Token endpoint returned %s: %s", resp.Status, string(body)))
		return "", fmt.Errorf("failed to get token, status: %s", resp.Status)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("token response carried no access token")
	}

	expiresIn := time.Duration(tr.ExpiresIn) * time.Second
	if expiresIn <= 0 {
		expiresIn = 5 * time.Minute
	}
	s.cache.set(tr.AccessToken, s.now().Add(expiresIn))
	s.log.Debug("AUTH", "Obtained service token for gate server calls")
	return tr.AccessToken, nil
}
