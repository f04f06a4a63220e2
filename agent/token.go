package agent

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ruteri/module-identity-provisioning/cryptoutils"
	"golang.org/x/oauth2"
)

// Token is what ObtainToken hands to its caller. AccessToken is empty when
// no exchange takes place.
type Token struct {
	UserName    string
	Password    string
	AccessToken string
	Expiry      time.Time
}

// TokenExchanger trades a module credential for an access token.
type TokenExchanger interface {
	Exchange(ctx context.Context, cred cryptoutils.Credential) (*Token, error)
}

// CredentialOnly is the default exchanger. It returns the credential itself.
type CredentialOnly struct{}

func (CredentialOnly) Exchange(_ context.Context, cred cryptoutils.Credential) (*Token, error) {
	return &Token{UserName: cred.UserName, Password: cred.Password}, nil
}

// PasswordGrantExchanger exchanges the credential with an OAuth2 token
// endpoint using the resource owner password grant.
type PasswordGrantExchanger struct {
	config     oauth2.Config
	httpClient *http.Client
}

type PasswordGrantConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string

	// HTTPClient is optional.
	HTTPClient *http.Client
}

func NewPasswordGrantExchanger(cfg PasswordGrantConfig) (*PasswordGrantExchanger, error) {
	if cfg.TokenURL == "" || cfg.ClientID == "" {
		return nil, fmt.Errorf("token url and client id are required")
	}
	return &PasswordGrantExchanger{
		config: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		httpClient: cfg.HTTPClient,
	}, nil
}

func (e *PasswordGrantExchanger) Exchange(ctx context.Context, cred cryptoutils.Credential) (*Token, error) {
	if e.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, e.httpClient)
	}
	t, err := e.config.PasswordCredentialsToken(ctx, cred.UserName, cred.Password)
	if err != nil {
		return nil, fmt.Errorf("token exchange failed: %w", err)
	}
	return &Token{
		UserName:    cred.UserName,
		Password:    cred.Password,
		AccessToken: t.AccessToken,
		Expiry:      t.Expiry,
	}, nil
}
