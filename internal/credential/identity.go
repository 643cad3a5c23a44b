package credential

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// WorkspaceScope is requested for tokens that are used as database passwords.
const WorkspaceScope = "all-apis"

// IdentityClient exchanges the workspace identity for a fresh access token.
type IdentityClient interface {
	Exchange(ctx context.Context) (string, error)
}

var (
	_ IdentityClient = (*WorkspaceClient)(nil)
	_ IdentityClient = StaticClient("")
)

// WorkspaceClient obtains access tokens through the OAuth client-credentials grant
// of a workspace service principal.
type WorkspaceClient struct {
	conf clientcredentials.Config
}

func NewWorkspaceClient(tokenURL, clientID, clientSecret string) *WorkspaceClient {
	return &WorkspaceClient{
		conf: clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
			Scopes:       []string{WorkspaceScope},
			AuthStyle:    oauth2.AuthStyleInHeader,
		},
	}
}

func (c *WorkspaceClient) Exchange(ctx context.Context) (string, error) {
	// Config.Token builds a fresh token source, nothing is cached here.
	tok, err := c.conf.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("exchanging workspace identity: %w", err)
	}
	if tok.AccessToken == "" {
		return "", errors.New("identity service returned an empty access token")
	}
	return tok.AccessToken, nil
}

func (c *WorkspaceClient) String() string {
	return fmt.Sprintf("WorkspaceClient(client=%s, url=%s)", c.conf.ClientID, c.conf.TokenURL)
}

// StaticClient hands out a fixed token, e.g. a personal access token for local development.
type StaticClient string

func (s StaticClient) Exchange(context.Context) (string, error) {
	if s == "" {
		return "", errors.New("static token is empty")
	}
	return string(s), nil
}

func (s StaticClient) String() string { return "StaticClient" }
