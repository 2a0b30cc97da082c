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

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
)

// DefaultAuthorityBase is the Entra ID token endpoint base.
const DefaultAuthorityBase = "https://login.microsoftonline.com"

// DefaultScope is the Logs Ingestion API audience.
const DefaultScope = "https://monitor.azure.com/.default"

// FlowError is a non-2xx response from the token endpoint. It is fatal:
// the cache is not populated and the batch in hand dead-letters.
type FlowError struct {
	StatusCode  int
	Code        string
	Description string
}

func (e *FlowError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("token endpoint returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("token endpoint returned %s (status %d): %s", e.Code, e.StatusCode, e.Description)
}

// HTTPStatus lets the retry classifier see the endpoint status.
func (e *FlowError) HTTPStatus() int { return e.StatusCode }

// ClientCredentials fetches tokens via the OAuth2 client-credentials grant.
type ClientCredentials struct {
	TenantID      string
	ClientID      string
	ClientSecret  string
	Scope         string
	AuthorityBase string // overridable for tests
	HTTPClient    *http.Client

	now func() time.Time
}

// NewClientCredentials wires the grant with defaults.
func NewClientCredentials(tenantID, clientID, clientSecret string) *ClientCredentials {
	return &ClientCredentials{
		TenantID:      tenantID,
		ClientID:      clientID,
		ClientSecret:  clientSecret,
		Scope:         DefaultScope,
		AuthorityBase: DefaultAuthorityBase,
		HTTPClient:    &http.Client{Timeout: 30 * time.Second},
		now:           time.Now,
	}
}

// Fetch posts the client-credentials form and returns the token with the
// server expiry less the safety margin.
func (cc *ClientCredentials) Fetch(ctx context.Context) (Token, error) {
	form := url.Values{
		"client_id":     {cc.ClientID},
		"client_secret": {cc.ClientSecret},
		"scope":         {cc.Scope},
		"grant_type":    {"client_credentials"},
	}
	endpoint := fmt.Sprintf("%s/%s/oauth2/v2.0/token", strings.TrimRight(cc.AuthorityBase, "/"), cc.TenantID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := cc.HTTPClient.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		fe := &FlowError{StatusCode: resp.StatusCode}
		var payload struct {
			Error       string `json:"error"`
			Description string `json:"error_description"`
		}
		if json.Unmarshal(body, &payload) == nil {
			fe.Code = payload.Error
			fe.Description = payload.Description
		}
		return Token{}, fe
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return Token{}, fmt.Errorf("decode token response: %w", err)
	}
	if payload.AccessToken == "" {
		return Token{}, fmt.Errorf("token response carried no access_token")
	}

	return Token{
		Value:     payload.AccessToken,
		ExpiresAt: cc.now().Add(time.Duration(payload.ExpiresIn)*time.Second - expiryMargin),
	}, nil
}

// CredentialFetcher adapts an azcore TokenCredential (managed identity,
// workload identity) to the Fetcher interface.
type CredentialFetcher struct {
	Credential azcore.TokenCredential
	Scope      string
}

// Fetch acquires a token from the underlying credential, applying the same
// safety margin the raw flow uses.
func (cf *CredentialFetcher) Fetch(ctx context.Context) (Token, error) {
	scope := cf.Scope
	if scope == "" {
		scope = DefaultScope
	}
	tok, err := cf.Credential.GetToken(ctx, policy.TokenRequestOptions{Scopes: []string{scope}})
	if err != nil {
		return Token{}, fmt.Errorf("acquire token: %w", err)
	}
	return Token{Value: tok.Token, ExpiresAt: tok.ExpiresOn.Add(-expiryMargin)}, nil
}
