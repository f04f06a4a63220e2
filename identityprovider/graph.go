package identityprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	defaultGraphBaseURL = "https://graph.microsoft.com"
	defaultGraphScope   = "https://graph.microsoft.com/.default"
	maxErrorBodySize    = 64 * 1024
)

// GraphConfig configures the directory the identities are created in.
type GraphConfig struct {
	TenantID     string
	ClientID     string
	ClientSecret string

	// Domain is appended to usernames to form the userPrincipalName.
	Domain string

	// TokenURL defaults to the tenant's v2.0 token endpoint.
	TokenURL string
	// BaseURL defaults to https://graph.microsoft.com.
	BaseURL string
	Scopes  []string
}

// GraphProvider creates users through the Microsoft Graph users API,
// authenticating with the OAuth2 client credentials grant.
type GraphProvider struct {
	client  *http.Client
	baseURL string
	domain  string
	log     *slog.Logger
}

type passwordProfile struct {
	ForceChangePasswordNextSignIn bool   `json:"forceChangePasswordNextSignIn"`
	Password                      string `json:"password"`
}

type graphUser struct {
	AccountEnabled    bool            `json:"accountEnabled"`
	DisplayName       string          `json:"displayName"`
	MailNickname      string          `json:"mailNickname"`
	UserPrincipalName string          `json:"userPrincipalName"`
	PasswordProfile   passwordProfile `json:"passwordProfile"`
}

type graphUserUpdate struct {
	DisplayName     string          `json:"displayName"`
	PasswordProfile passwordProfile `json:"passwordProfile"`
}

type graphError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// NewGraphProvider builds a provider. httpClient, if not nil, is used both
// for token requests and as the transport below the OAuth2 layer.
func NewGraphProvider(cfg GraphConfig, httpClient *http.Client, log *slog.Logger) (*GraphProvider, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("graph provider requires a client id and secret")
	}
	if cfg.Domain == "" {
		return nil, fmt.Errorf("graph provider requires a user domain")
	}
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		if cfg.TenantID == "" {
			return nil, fmt.Errorf("graph provider requires a tenant id or token URL")
		}
		tokenURL = fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", url.PathEscape(cfg.TenantID))
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{defaultGraphScope}
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultGraphBaseURL
	}

	ccConfig := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     tokenURL,
		Scopes:       scopes,
	}
	ctx := context.Background()
	if httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)
	}

	return &GraphProvider{
		client:  ccConfig.Client(ctx),
		baseURL: strings.TrimSuffix(baseURL, "/"),
		domain:  cfg.Domain,
		log:     log,
	}, nil
}

// CreateUser creates the user, or resets its password and display name when
// a user with the same principal name already exists.
func (p *GraphProvider) CreateUser(ctx context.Context, userName, password, displayName string) error {
	upn := userName + "@" + p.domain
	profile := passwordProfile{Password: password}

	status, gErr, err := p.do(ctx, http.MethodPost, p.baseURL+"/v1.0/users", graphUser{
		AccountEnabled:    true,
		DisplayName:       displayName,
		MailNickname:      userName,
		UserPrincipalName: upn,
		PasswordProfile:   profile,
	})
	if err != nil {
		return err
	}
	if status == http.StatusCreated {
		p.log.Info("Created directory user", slog.String("upn", upn))
		return nil
	}
	if !alreadyExists(status, gErr) {
		return fmt.Errorf("graph create user failed with status %d: %s", status, gErr.Error.Message)
	}

	p.log.Info("Directory user exists, updating password", slog.String("upn", upn))
	status, gErr, err = p.do(ctx, http.MethodPatch, p.baseURL+"/v1.0/users/"+url.PathEscape(upn), graphUserUpdate{
		DisplayName:     displayName,
		PasswordProfile: profile,
	})
	if err != nil {
		return err
	}
	if status != http.StatusNoContent && status != http.StatusOK {
		return fmt.Errorf("graph update user failed with status %d: %s", status, gErr.Error.Message)
	}
	return nil
}

func (p *GraphProvider) do(ctx context.Context, method, target string, payload interface{}) (int, *graphError, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("graph request failed: %w", err)
	}
	defer resp.Body.Close()

	gErr := &graphError{}
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		if json.Unmarshal(raw, gErr) != nil || gErr.Error.Message == "" {
			gErr.Error.Message = strings.TrimSpace(string(raw))
		}
	}
	return resp.StatusCode, gErr, nil
}

func alreadyExists(status int, gErr *graphError) bool {
	if status == http.StatusConflict {
		return true
	}
	return status == http.StatusBadRequest && strings.Contains(gErr.Error.Message, "already exists")
}
