// Package restapi is the client for the external REST collaborator: call
// origination/teardown on chatrooms and broadcast stream lifecycle. The
// signaling core only consumes success/failure and the resulting identifiers.
package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nikhilrajpk/snapfy-rtc/internal/core"
	"github.com/nikhilrajpk/snapfy-rtc/internal/domain"
)

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) StartCall(ctx context.Context, room domain.RoomID, kind domain.CallKind) (domain.CallID, error) {
	var resp struct {
		CallID domain.CallID `json:"call_id"`
	}
	path := fmt.Sprintf("/chatrooms/%s/start-call/", room)
	if err := c.do(ctx, http.MethodPost, path, map[string]string{"call_type": string(kind)}, &resp); err != nil {
		return "", err
	}
	return resp.CallID, nil
}

func (c *Client) EndCall(ctx context.Context, room domain.RoomID, rec domain.CallRecord) error {
	path := fmt.Sprintf("/chatrooms/%s/end-call/", room)
	return c.do(ctx, http.MethodPost, path, rec, nil)
}

func (c *Client) CreateStream(ctx context.Context, title string) (domain.StreamInfo, error) {
	var info domain.StreamInfo
	err := c.do(ctx, http.MethodPost, "/streams/", map[string]string{"title": title}, &info)
	return info, err
}

func (c *Client) GetStream(ctx context.Context, id domain.StreamID) (domain.StreamInfo, error) {
	var info domain.StreamInfo
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/streams/%s/", id), nil, &info)
	return info, err
}

func (c *Client) JoinStream(ctx context.Context, id domain.StreamID) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/streams/%s/join/", id), nil, nil)
}

func (c *Client) LeaveStream(ctx context.Context, id domain.StreamID) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/streams/%s/leave/", id), nil, nil)
}

func (c *Client) EndStream(ctx context.Context, id domain.StreamID) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/streams/%s/end/", id), nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		log.Warn().Str("module", "restapi").Str("path", path).Int("status", resp.StatusCode).Msg("request failed")
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, string(data))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode: %w", method, path, err)
	}
	return nil
}

var (
	_ core.CallAPI   = (*Client)(nil)
	_ core.StreamAPI = (*Client)(nil)
)
