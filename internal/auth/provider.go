package auth

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/orrn/printbridge/internal/config"
)

// Provider produces a fresh access token. Each configured flow is one
// implementation; the choice is fixed at construction and never changes
// for the process lifetime.
type Provider interface {
	Refresh(ctx context.Context) (*Token, error)
}

const (
	defaultExpirySecs  = 7200
	assertionLifetime  = 5 * time.Minute
	tokenEndpointPath  = "/services/oauth2/token"
	jwtBearerGrantType = "urn:ietf:params:oauth:grant-type:jwt-bearer"
)

// NewProvider builds the provider named by cfg.Method.
func NewProvider(cfg config.AuthConfig, sf config.SalesforceConfig, client *http.Client) (Provider, error) {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	switch cfg.Method {
	case "jwt":
		return newJWTProvider(cfg, sf, client)
	case "password":
		return newPasswordProvider(cfg, sf, client), nil
	case "web":
		return newWebProvider(cfg, sf, client)
	default:
		return nil, authErr(KindConfigMissing, "unknown auth method %q", cfg.Method)
	}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	InstanceURL  string `json:"instance_url"`
	ID           string `json:"id"`
	IssuedAt     string `json:"issued_at"`
	ExpiresIn    int    `json:"expires_in"`
}

type oauthErrorBody struct {
	Error       string `json:"error"`
	Description string `json:"error_description"`
}

// exchange POSTs grant material to the token endpoint and classifies
// failures into the auth error taxonomy.
func exchange(ctx context.Context, client *http.Client, loginURL string, form url.Values) (*tokenResponse, error) {
	endpoint := strings.TrimRight(loginURL, "/") + tokenEndpointPath

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, authErr(KindNetwork, "build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.Do(req)
	if err != nil {
		return nil, authErr(KindNetwork, "token endpoint: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, authErr(KindNetwork, "read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var oe oauthErrorBody
		_ = json.Unmarshal(body, &oe)
		switch {
		case oe.Error == "invalid_grant" || oe.Error == "invalid_client" || oe.Error == "invalid_client_id":
			return nil, authErr(KindInvalidGrant, "%s: %s", oe.Error, oe.Description)
		case resp.StatusCode >= 500:
			return nil, authErr(KindNetwork, "token endpoint http %d", resp.StatusCode)
		default:
			return nil, authErr(KindInvalidGrant, "token endpoint http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, authErr(KindNetwork, "decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, authErr(KindInvalidGrant, "token response missing access_token")
	}
	return &tr, nil
}

func (tr *tokenResponse) toToken(via Flow, now time.Time) *Token {
	expiresIn := tr.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = defaultExpirySecs
	}

	// issued_at is epoch millis; prefer it over local now when present so
	// clock skew against the issuer doesn't stretch the lifetime.
	issued := now
	if ms, err := strconv.ParseInt(tr.IssuedAt, 10, 64); err == nil && ms > 0 {
		issued = time.UnixMilli(ms)
	}

	return &Token{
		Value:       tr.AccessToken,
		InstanceURL: strings.TrimRight(tr.InstanceURL, "/"),
		TenantID:    orgIDFromIdentity(tr.ID),
		ExpiresAt:   issued.Add(time.Duration(expiresIn) * time.Second),
		IssuedVia:   via,
	}
}

// orgIDFromIdentity pulls the org id out of the identity URL in a token
// response: https://login.salesforce.com/id/{orgId}/{userId}.
func orgIDFromIdentity(id string) string {
	parts := strings.Split(strings.TrimRight(id, "/"), "/")
	if len(parts) < 2 {
		return ""
	}
	return parts[len(parts)-2]
}

// jwtProvider implements the JWT bearer flow. There is no refresh token;
// every refresh signs and exchanges a new assertion.
type jwtProvider struct {
	clientID string
	username string
	loginURL string
	audience string
	key      *rsa.PrivateKey
	client   *http.Client
}

func newJWTProvider(cfg config.AuthConfig, sf config.SalesforceConfig, client *http.Client) (*jwtProvider, error) {
	if cfg.Username == "" || cfg.PrivateKeyPath == "" {
		return nil, authErr(KindConfigMissing, "jwt flow requires username and private_key_path")
	}

	pem, err := os.ReadFile(cfg.PrivateKeyPath)
	if err != nil {
		return nil, authErr(KindConfigMissing, "read private key %s: %w", cfg.PrivateKeyPath, err)
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM(pem)
	if err != nil {
		return nil, authErr(KindConfigMissing, "parse private key %s: %w", cfg.PrivateKeyPath, err)
	}

	// The assertion audience must be the login host, not the My Domain
	// instance. Sandboxes use test.salesforce.com.
	audience := "https://login.salesforce.com"
	if strings.Contains(sf.InstanceURL, "test.salesforce") || strings.Contains(sf.InstanceURL, "sandbox") {
		audience = "https://test.salesforce.com"
	}
	if sf.LoginURL != "" {
		audience = strings.TrimRight(sf.LoginURL, "/")
	}

	return &jwtProvider{
		clientID: cfg.ClientID,
		username: cfg.Username,
		loginURL: audience,
		audience: audience,
		key:      key,
		client:   client,
	}, nil
}

func (p *jwtProvider) Refresh(ctx context.Context) (*Token, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": p.clientID,
		"sub": p.username,
		"aud": p.audience,
		"exp": now.Add(assertionLifetime).Unix(),
	}

	assertion, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(p.key)
	if err != nil {
		return nil, authErr(KindConfigMissing, "sign assertion: %w", err)
	}

	form := url.Values{
		"grant_type": {jwtBearerGrantType},
		"assertion":  {assertion},
	}

	tr, err := exchange(ctx, p.client, p.loginURL, form)
	if err != nil {
		return nil, err
	}
	return tr.toToken(FlowJWT, now), nil
}

// passwordProvider implements the resource-owner-password flow. The first
// exchange may return a refresh token; later refreshes prefer it.
type passwordProvider struct {
	clientID     string
	clientSecret string
	username     string
	password     string
	loginURL     string
	client       *http.Client

	refreshToken string
}

func newPasswordProvider(cfg config.AuthConfig, sf config.SalesforceConfig, client *http.Client) *passwordProvider {
	return &passwordProvider{
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		username:     cfg.Username,
		password:     cfg.Password,
		loginURL:     loginURLOf(sf),
		client:       client,
	}
}

func (p *passwordProvider) Refresh(ctx context.Context) (*Token, error) {
	now := time.Now()

	if p.refreshToken != "" {
		tr, err := exchange(ctx, p.client, p.loginURL, url.Values{
			"grant_type":    {"refresh_token"},
			"client_id":     {p.clientID},
			"client_secret": {p.clientSecret},
			"refresh_token": {p.refreshToken},
		})
		if err == nil {
			if tr.RefreshToken != "" {
				p.refreshToken = tr.RefreshToken
			}
			return tr.toToken(FlowPassword, now), nil
		}
		// An expired refresh token falls back to the password grant;
		// network failures surface to the caller for backoff.
		if Retryable(err) {
			return nil, err
		}
		p.refreshToken = ""
	}

	tr, err := exchange(ctx, p.client, p.loginURL, url.Values{
		"grant_type":    {"password"},
		"client_id":     {p.clientID},
		"client_secret": {p.clientSecret},
		"username":      {p.username},
		"password":      {p.password},
	})
	if err != nil {
		return nil, err
	}
	p.refreshToken = tr.RefreshToken
	return tr.toToken(FlowPassword, now), nil
}

// webProvider covers the authorization-code flow after the one-time
// interactive exchange has happened: the refresh token sits in the token
// file and every refresh here is non-interactive.
type webProvider struct {
	clientID     string
	clientSecret string
	loginURL     string
	file         *tokenFile
	client       *http.Client
}

func newWebProvider(cfg config.AuthConfig, sf config.SalesforceConfig, client *http.Client) (*webProvider, error) {
	file, err := loadTokenFile(cfg.TokenFile)
	if err != nil {
		return nil, err
	}
	if file.RefreshToken == "" {
		return nil, authErr(KindConfigMissing, "token file %s has no refresh token; run the interactive setup first", cfg.TokenFile)
	}

	return &webProvider{
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		loginURL:     loginURLOf(sf),
		file:         file,
		client:       client,
	}, nil
}

func (p *webProvider) Refresh(ctx context.Context) (*Token, error) {
	now := time.Now()

	tr, err := exchange(ctx, p.client, p.loginURL, url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {p.clientID},
		"client_secret": {p.clientSecret},
		"refresh_token": {p.file.RefreshToken},
	})
	if err != nil {
		return nil, err
	}

	tok := tr.toToken(FlowWeb, now)

	// The refresh response usually omits the refresh token; keep the old
	// one in that case.
	if tr.RefreshToken != "" {
		p.file.RefreshToken = tr.RefreshToken
	}
	p.file.AccessToken = tok.Value
	p.file.InstanceURL = tok.InstanceURL
	p.file.ExpiresAt = tok.ExpiresAt.Unix()
	if err := p.file.save(); err != nil {
		return nil, fmt.Errorf("persist token file: %w", err)
	}

	return tok, nil
}

func loginURLOf(sf config.SalesforceConfig) string {
	if sf.LoginURL != "" {
		return strings.TrimRight(sf.LoginURL, "/")
	}
	return strings.TrimRight(sf.InstanceURL, "/")
}
