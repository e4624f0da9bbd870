package client

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/pairgate/pairgate/internal/api"
)

// Client talks to the admin surface of a running pairgate server.
type Client struct {
	BaseURL string
	APIKey  string
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
	}
}

func (c *Client) ListDevices() (*api.ListDevicesResponse, error) {
	var result api.ListDevicesResponse
	if err := c.do("GET", "/v1/devices", &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) GetDevice(deviceID string) (*api.PairingStatusResponse, error) {
	var result api.PairingStatusResponse
	if err := c.do("GET", "/v1/devices/"+deviceID, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) RevokeDevice(deviceID string) error {
	return c.do("DELETE", "/v1/devices/"+deviceID, nil)
}

func (c *Client) RotateToken(deviceID string) (*api.RotateTokenResponse, error) {
	var result api.RotateTokenResponse
	if err := c.do("POST", "/v1/devices/"+deviceID+"/rotate", &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) ListConnections() (*api.ListConnectionsResponse, error) {
	var result api.ListConnectionsResponse
	if err := c.do("GET", "/v1/connections", &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) Stats() (*api.StatsResponse, error) {
	var result api.StatsResponse
	if err := c.do("GET", "/v1/stats", &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) do(method, path string, out any) error {
	req, err := http.NewRequest(method, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return parseError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func parseError(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}

	var errResp api.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}
	return fmt.Errorf("%s", errResp.Error)
}
