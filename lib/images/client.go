package images

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultRegistryURL = "https://registry-1.docker.io"
	DefaultAuthURL     = "https://auth.docker.io/token"
	DefaultAuthService = "registry.docker.io"
)

// Client talks to an OCI distribution registry using anonymous bearer
// tokens. It speaks only the handful of read endpoints a pull needs.
type Client struct {
	httpClient  *http.Client
	registryURL string
	authURL     string
	authService string
}

// ClientOptions configures a Client. Zero values select Docker Hub.
type ClientOptions struct {
	RegistryURL string
	AuthURL     string
	AuthService string
	Timeout     time.Duration
	HTTPClient  *http.Client
}

// NewClient creates a registry client
func NewClient(opts ClientOptions) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}

	c := &Client{
		httpClient:  httpClient,
		registryURL: strings.TrimSuffix(opts.RegistryURL, "/"),
		authURL:     opts.AuthURL,
		authService: opts.AuthService,
	}
	if c.registryURL == "" {
		c.registryURL = DefaultRegistryURL
	}
	if c.authURL == "" {
		c.authURL = DefaultAuthURL
	}
	if c.authService == "" {
		c.authService = DefaultAuthService
	}
	return c
}

// repoURL builds /v2/<repository>/<kind>/<reference> on the registry.
func (c *Client) repoURL(ref *Reference, kind, target string) string {
	return fmt.Sprintf("%s/v2/%s/%s/%s", c.registryURL, ref.Repository(), kind, target)
}

// get issues an authenticated GET and returns the response if it is a 200.
// The caller closes the body.
func (c *Client) get(ctx context.Context, url, token string, accept ...string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if len(accept) > 0 {
		req.Header.Set("Accept", strings.Join(accept, ", "))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", url, err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("get %s: status %d: %s", url, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return resp, nil
}
