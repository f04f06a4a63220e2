package instanceutils

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ruteri/module-identity-provisioning/api"
)

const defaultWorkloadTimeout = 10 * time.Second

// WorkloadClient signs payloads with the module key held by the edge
// runtime's workload API. It never sees the key.
//
// Supported URIs are unix:///path/to/workload.sock and http(s)://host[/prefix].
type WorkloadClient struct {
	baseURL    string
	moduleID   string
	httpClient *http.Client
}

func NewWorkloadClient(workloadURI, moduleID string) (*WorkloadClient, error) {
	if moduleID == "" {
		return nil, fmt.Errorf("module id must not be empty")
	}
	u, err := url.Parse(workloadURI)
	if err != nil {
		return nil, fmt.Errorf("invalid workload uri %q: %w", workloadURI, err)
	}

	c := &WorkloadClient{moduleID: moduleID}
	switch u.Scheme {
	case "unix":
		if u.Path == "" {
			return nil, fmt.Errorf("workload uri %q has no socket path", workloadURI)
		}
		socket := u.Path
		dialer := &net.Dialer{}
		c.baseURL = "http://workload"
		c.httpClient = &http.Client{
			Timeout: defaultWorkloadTimeout,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					return dialer.DialContext(ctx, "unix", socket)
				},
			},
		}
	case "http", "https":
		c.baseURL = strings.TrimSuffix(workloadURI, "/")
		c.httpClient = &http.Client{Timeout: defaultWorkloadTimeout}
	default:
		return nil, fmt.Errorf("unsupported workload uri scheme %q", u.Scheme)
	}
	return c, nil
}

// Sign returns HMAC-SHA256(moduleKey[keyID], payload).
func (c *WorkloadClient) Sign(ctx context.Context, keyID, generationID string, payload []byte) ([]byte, error) {
	body, err := json.Marshal(api.SignRequest{
		KeyID: keyID,
		Algo:  api.SignAlgorithm,
		Data:  base64.StdEncoding.EncodeToString(payload),
	})
	if err != nil {
		return nil, err
	}

	target := c.baseURL + api.SignPath(c.moduleID, generationID) + "?api-version=" + api.WorkloadAPIVersion
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("workload sign request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("workload sign: %w", responseError(resp))
	}

	var signed api.SignResponse
	if err := json.NewDecoder(resp.Body).Decode(&signed); err != nil {
		return nil, fmt.Errorf("invalid sign response: %w", err)
	}
	digest, err := base64.StdEncoding.DecodeString(signed.Digest)
	if err != nil {
		return nil, fmt.Errorf("digest is not valid base64: %w", err)
	}
	return digest, nil
}
