package images

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/onkernel/minirun/lib/errkind"
)

// tokenResponse is the body of the anonymous token endpoint. Registries
// following the distribution token spec may answer with either field.
type tokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
}

// Token obtains an anonymous pull token scoped to ref's repository.
// The token is only valid for the duration of one pull and is never cached.
func (c *Client) Token(ctx context.Context, ref *Reference) (string, error) {
	u, err := url.Parse(c.authURL)
	if err != nil {
		return "", fmt.Errorf("%w: parse auth url: %v", errkind.ErrAuth, err)
	}
	q := u.Query()
	q.Set("service", c.authService)
	q.Set("scope", fmt.Sprintf("repository:%s:pull", ref.Repository()))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("%w: build token request: %v", errkind.ErrAuth, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: request token: %w", errkind.ErrAuth, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: token endpoint returned status %d", errkind.ErrAuth, resp.StatusCode)
	}

	var body tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("%w: decode token response: %v", errkind.ErrAuth, err)
	}

	token := body.Token
	if token == "" {
		token = body.AccessToken
	}
	if token == "" {
		return "", fmt.Errorf("%w: token response carries no token", errkind.ErrAuth)
	}

	return token, nil
}
