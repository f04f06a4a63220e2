package clients

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ruteri/module-identity-provisioning/api"
)

// AdminClient talks to the admin API used to unlock a Shamir-split KMS.
type AdminClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewAdminClient creates a client for the server at baseURL, e.g.
// "http://localhost:8080". token is sent as a bearer token when not empty.
func NewAdminClient(baseURL, token string, timeout ...time.Duration) *AdminClient {
	clientTimeout := 30 * time.Second
	if len(timeout) > 0 {
		clientTimeout = timeout[0]
	}

	return &AdminClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: clientTimeout},
	}
}

// GetStatus returns whether the KMS is unlocked and how many shares it holds.
func (c *AdminClient) GetStatus(ctx context.Context) (*api.AdminStatusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+api.AdminStatusPath, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

// SubmitShare sends one share and returns the status after it was applied.
func (c *AdminClient) SubmitShare(ctx context.Context, share []byte) (*api.AdminStatusResponse, error) {
	body, err := json.Marshal(api.SubmitShareRequest{Share: base64.StdEncoding.EncodeToString(share)})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+api.AdminSharePath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.do(req)
}

func (c *AdminClient) do(req *http.Request) (*api.AdminStatusResponse, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("admin request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp api.ErrorResponse
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if json.Unmarshal(body, &errResp) == nil && errResp.Message != "" {
			return nil, fmt.Errorf("admin request failed with code %d: %s", resp.StatusCode, errResp.Message)
		}
		return nil, fmt.Errorf("admin request failed with code %d: %s", resp.StatusCode, string(body))
	}

	var status api.AdminStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("failed to parse status response: %w", err)
	}
	return &status, nil
}
