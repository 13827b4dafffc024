package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/carebridge-health/intake-engine/pkg/logging"
)

// ProviderConfig holds the OAuth client-credentials settings for the
// scheduling API's token endpoint.
type ProviderConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scope        string
	Timeout      time.Duration
}

// Provider exchanges client credentials for fresh access tokens.
type Provider struct {
	config     ProviderConfig
	httpClient *http.Client
	logger     *logging.Logger
}

// NewProvider creates an OAuth client-credentials provider.
func NewProvider(config ProviderConfig, logger *logging.Logger) *Provider {
	if config.TokenURL == "" {
		panic("credential: token URL cannot be empty")
	}
	if logger == nil {
		logger = logging.Default()
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Provider{
		config:     config,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope"`
}

// Fetch requests a new access token. The returned credential carries a zero
// refresh count; the refresher fills it in from the previous credential.
func (p *Provider) Fetch(ctx context.Context) (Credential, error) {
	data := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {p.config.ClientID},
		"client_secret": {p.config.ClientSecret},
	}
	if p.config.Scope != "" {
		data.Set("scope", p.config.Scope)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return Credential{}, fmt.Errorf("credential: failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Credential{}, fmt.Errorf("credential: token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Credential{}, fmt.Errorf("credential: failed to read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		p.logger.Error("token endpoint rejected refresh", "status", resp.StatusCode, "body", string(body))
		return Credential{}, fmt.Errorf("credential: token request failed: status %d", resp.StatusCode)
	}

	var token tokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return Credential{}, fmt.Errorf("credential: failed to parse token response: %w", err)
	}
	if token.AccessToken == "" {
		return Credential{}, fmt.Errorf("credential: token response missing access_token")
	}

	expiresIn := token.ExpiresIn
	if expiresIn <= 0 {
		// The scheduling API hands out hour-long tokens; assume that when
		// the response omits expires_in.
		expiresIn = 3600
	}

	now := time.Now().UTC()
	return Credential{
		AccessToken: token.AccessToken,
		TokenType:   token.TokenType,
		Scope:       token.Scope,
		CreatedAt:   now.Format(time.RFC3339Nano),
		ExpiresAt:   now.Add(time.Duration(expiresIn) * time.Second).Format(time.RFC3339Nano),
	}, nil
}
