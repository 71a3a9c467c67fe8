package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client is a bearer-token-authenticated client for the admin endpoint
// (§6 "Administrative endpoint"), used by the CLI's status subcommand.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a client against an admin endpoint listening at addr
// (e.g. "127.0.0.1:9443").
func NewClient(addr, token string) *Client {
	return &Client{
		baseURL: "http://" + addr,
		token:   token,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Online returns one summary row per user with at least one active
// connection.
func (c *Client) Online(ctx context.Context) ([]OnlineUser, error) {
	var out []OnlineUser
	if err := c.get(ctx, "/online", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DetailedOnline is Online plus each user's connected remote endpoints.
func (c *Client) DetailedOnline(ctx context.Context) ([]DetailedUser, error) {
	var out []DetailedUser
	if err := c.get(ctx, "/detailed_online", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Traffic returns per-user cumulative traffic counters.
func (c *Client) Traffic(ctx context.Context) ([]TrafficUser, error) {
	var out []TrafficUser
	if err := c.get(ctx, "/traffic", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ResetTraffic zeroes every user's cumulative traffic counters.
func (c *Client) ResetTraffic(ctx context.Context) error {
	return c.getNoBody(ctx, "/reset_traffic")
}

// Kick disconnects every active connection for the given user UUIDs and
// returns the number of connections closed.
func (c *Client) Kick(ctx context.Context, userUUIDs []string) (int, error) {
	body, err := json.Marshal(userUUIDs)
	if err != nil {
		return 0, fmt.Errorf("encode kick request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/kick", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authenticate(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("kick request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var out struct {
		Closed int `json:"closed"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode kick response: %w", err)
	}
	return out.Closed, nil
}

func (c *Client) authenticate(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	c.authenticate(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) getNoBody(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	c.authenticate(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
	return nil
}

// Close releases idle connections held by the client.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// OnlineUser is one row of Online.
type OnlineUser struct {
	User   string `json:"user"`
	Online int    `json:"online"`
}

// DetailedUser is one row of DetailedOnline.
type DetailedUser struct {
	User      string   `json:"user"`
	Online    int      `json:"online"`
	Endpoints []string `json:"endpoints"`
}

// TrafficUser is one row of Traffic.
type TrafficUser struct {
	User      string `json:"user"`
	TCPTx     uint64 `json:"tcp_tx"`
	TCPRx     uint64 `json:"tcp_rx"`
	UDPTx     uint64 `json:"udp_tx"`
	UDPRx     uint64 `json:"udp_rx"`
	TotalText string `json:"total"`
}
