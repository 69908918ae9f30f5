package vaulthandler

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ruteri/threshold-vault-backend/quorum"
)

// Client calls the group quorum endpoints on behalf of one administrator.
type Client struct {
	baseURL    string
	userID     string
	httpClient *http.Client
}

// NewClient creates a client for baseURL (e.g. "http://127.0.0.1:8080").
// A nil httpClient uses http.DefaultClient.
func NewClient(baseURL, userID string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		userID:     userID,
		httpClient: httpClient,
	}
}

// RequestUnlock opens (or joins) an unlock request for a group.
func (c *Client) RequestUnlock(ctx context.Context, groupID, reason string) (*quorum.ApprovalResult, error) {
	var res quorum.ApprovalResult
	err := c.do(ctx, http.MethodPost, "/api/groups/"+groupID+"/unlock-requests", nil, groupUnlockRequest{Reason: reason}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// Approve records the client's approval of an unlock request.
func (c *Client) Approve(ctx context.Context, requestID string) (*quorum.ApprovalResult, error) {
	var res quorum.ApprovalResult
	if err := c.do(ctx, http.MethodPost, "/api/groups/unlock-requests/"+requestID+"/approve", nil, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) Cancel(ctx context.Context, requestID string) error {
	return c.do(ctx, http.MethodDelete, "/api/groups/unlock-requests/"+requestID, nil, nil, nil)
}

func (c *Client) Lock(ctx context.Context, groupID string) error {
	return c.do(ctx, http.MethodPost, "/api/groups/"+groupID+"/lock", nil, nil, nil)
}

func (c *Client) Status(ctx context.Context, groupID string) (*quorum.GroupStatus, error) {
	var status quorum.GroupStatus
	if err := c.do(ctx, http.MethodGet, "/api/groups/"+groupID+"/status", nil, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// ReadVault reads the group vault with an unlocked session key.
func (c *Client) ReadVault(ctx context.Context, groupID string, sessionKey []byte) ([]byte, error) {
	var res dataResponse
	if err := c.do(ctx, http.MethodGet, "/api/groups/"+groupID+"/vault", sessionKey, nil, &res); err != nil {
		return nil, err
	}
	return res.Data, nil
}

// WriteVault replaces the group vault contents with an unlocked session key.
func (c *Client) WriteVault(ctx context.Context, groupID string, sessionKey, data []byte) error {
	return c.do(ctx, http.MethodPut, "/api/groups/"+groupID+"/vault", sessionKey, groupDataRequest{Data: data}, nil)
}

func (c *Client) do(ctx context.Context, method, path string, sessionKey []byte, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("could not encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("could not initialize request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(UserIDHeader, c.userID)
	if len(sessionKey) > 0 {
		req.Header.Set(GroupSessionKeyHeader, base64.StdEncoding.EncodeToString(sessionKey))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("could not read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var errResp errorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, errResp.Error)
		}
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("could not parse response: %w", err)
	}
	return nil
}
