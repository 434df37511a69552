// Package figma is a small client for the design tool's REST API.
package figma

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fuomag9/comments-collator/internal/apperr"
)

const userAgent = "comments-collator/1.0"

// TokenProvider returns an access token usable for userID.
type TokenProvider interface {
	AccessToken(ctx context.Context, userID string) (string, error)
}

// Client calls the REST API on behalf of stored users
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenProvider
}

// NewClient creates a new API client. httpClient may be nil.
func NewClient(baseURL string, tokens TokenProvider, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient, tokens: tokens}
}

// ListComments fetches every comment of a file in one call.
func (c *Client) ListComments(ctx context.Context, userID, fileKey string) ([]Comment, error) {
	var body struct {
		Comments []Comment `json:"comments"`
	}
	if err := c.do(ctx, "figma.comments", userID, http.MethodGet, "/files/"+url.PathEscape(fileKey)+"/comments", nil, &body); err != nil {
		return nil, err
	}

	for i := range body.Comments {
		if body.Comments[i].FileKey == "" {
			body.Comments[i].FileKey = fileKey
		}
	}
	return body.Comments, nil
}

// NodeName returns the display name of one node.
func (c *Client) NodeName(ctx context.Context, userID, fileKey, nodeID string) (string, error) {
	var body struct {
		Nodes map[string]*struct {
			Document struct {
				Name string `json:"name"`
			} `json:"document"`
		} `json:"nodes"`
	}
	path := "/files/" + url.PathEscape(fileKey) + "/nodes?ids=" + url.QueryEscape(nodeID)
	if err := c.do(ctx, "figma.nodes", userID, http.MethodGet, path, nil, &body); err != nil {
		return "", err
	}

	node, ok := body.Nodes[nodeID]
	if !ok || node == nil {
		return "", apperr.NotFound("figma.nodes", fmt.Sprintf("node %s not found", nodeID))
	}
	return node.Document.Name, nil
}

// FileInfo returns file metadata. depth=1 keeps the document tree out of the response.
func (c *Client) FileInfo(ctx context.Context, userID, fileKey string) (*FileInfo, error) {
	var info FileInfo
	if err := c.do(ctx, "figma.file", userID, http.MethodGet, "/files/"+url.PathEscape(fileKey)+"?depth=1", nil, &info); err != nil {
		return nil, err
	}
	info.Key = fileKey
	return &info, nil
}

// PostComment creates a comment and returns it as stored remotely.
func (c *Client) PostComment(ctx context.Context, userID, fileKey string, nc NewComment) (*Comment, error) {
	payload := map[string]any{"message": nc.Message}
	if nc.NodeID != "" {
		payload["client_meta"] = ClientMeta{NodeID: nc.NodeID, NodeOffset: &Vector{X: nc.X, Y: nc.Y}}
	} else {
		x, y := nc.X, nc.Y
		payload["client_meta"] = ClientMeta{X: &x, Y: &y}
	}
	if nc.ParentID != "" {
		payload["comment_id"] = nc.ParentID
	}

	var created Comment
	if err := c.do(ctx, "figma.post_comment", userID, http.MethodPost, "/files/"+url.PathEscape(fileKey)+"/comments", payload, &created); err != nil {
		return nil, err
	}
	if created.FileKey == "" {
		created.FileKey = fileKey
	}
	if created.ParentID == "" {
		created.ParentID = nc.ParentID
	}
	return &created, nil
}

func (c *Client) do(ctx context.Context, op, userID, method, path string, in, out any) error {
	token, err := c.tokens.AccessToken(ctx, userID)
	if err != nil {
		return err
	}

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return apperr.Internal(op, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return apperr.Internal(op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", userAgent)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperr.Upstream(op, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apperr.Upstream(op, resp.StatusCode, errors.New(errorMessage(resp.Body)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.Upstream(op, resp.StatusCode, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// errorMessage extracts {"err": ...} or {"message": ...} from an error body.
func errorMessage(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, 2048))
	var body struct {
		Err     string `json:"err"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &body) == nil {
		if body.Err != "" {
			return body.Err
		}
		if body.Message != "" {
			return body.Message
		}
	}
	return strings.TrimSpace(string(raw))
}
