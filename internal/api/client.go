// Package api talks to the marketplace's HTTP endpoints that sit beside
// the realtime channel: login, message history, and uploads.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"tutorchat/internal/wire"
)

var (
	httpTimeout = 10 * time.Second

	// ErrUnauthorized is returned for a 401 from any endpoint.
	ErrUnauthorized = errors.New("unauthorized")
)

// Client is an HTTP JSON client for one API base URL.
type Client struct {
	BaseURL   string
	Token     string
	UserAgent string
	HTTP      *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: httpTimeout},
	}
}

// WithToken returns a copy of c that authenticates with token.
func (c *Client) WithToken(token string) *Client {
	clone := *c
	clone.Token = token
	return &clone
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token  string    `json:"token"`
	UserID flexID    `json:"userId"`
	Role   wire.Role `json:"role"`
}

// flexID accepts numeric or string user ids.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*f = flexID(n.String())
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*f = flexID(s)
	return nil
}

// Login exchanges credentials for an identity.
func (c *Client) Login(ctx context.Context, username, password string) (wire.Identity, error) {
	var resp loginResponse
	if err := c.doJSONRequest(ctx, http.MethodPost, "/login", loginRequest{Username: username, Password: password}, &resp); err != nil {
		return wire.Identity{}, fmt.Errorf("login: %w", err)
	}
	if resp.Token == "" || resp.UserID == "" {
		return wire.Identity{}, errors.New("login: incomplete response")
	}
	return wire.Identity{UserID: string(resp.UserID), Role: resp.Role, Token: resp.Token}, nil
}

type messagesResponse struct {
	Messages []wire.Message `json:"messages"`
}

// GetMessages fetches one page of a room's history. Pages start at 1.
func (c *Client) GetMessages(ctx context.Context, roomID string, page, pageSize int) ([]wire.Message, error) {
	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	query.Set("pageSize", strconv.Itoa(pageSize))
	path := "/rooms/" + url.PathEscape(roomID) + "/messages?" + query.Encode()

	var resp messagesResponse
	if err := c.doJSONRequest(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("history %s page %d: %w", roomID, page, err)
	}
	for i := range resp.Messages {
		if resp.Messages[i].RoomID == "" {
			resp.Messages[i].RoomID = roomID
		}
	}
	return resp.Messages, nil
}

// GetHistory fetches pages 1..pages concurrently and returns them in page
// order.
func (c *Client) GetHistory(ctx context.Context, roomID string, pages, pageSize int) ([]wire.Message, error) {
	if pages < 1 {
		pages = 1
	}
	results := make([][]wire.Message, pages)
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(4)
	for i := 0; i < pages; i++ {
		group.Go(func() error {
			msgs, err := c.GetMessages(ctx, roomID, i+1, pageSize)
			if err != nil {
				return err
			}
			results[i] = msgs
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	var all []wire.Message
	for _, page := range results {
		all = append(all, page...)
	}
	return all, nil
}

type uploadResponse struct {
	URL string `json:"url"`
}

// Upload posts a file as multipart form field "file" and returns the URL
// the server hosts it at.
func (c *Client) Upload(ctx context.Context, filename string, content io.Reader) (string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", filepath.Base(filename))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, content); err != nil {
		return "", fmt.Errorf("upload %s: %w", filename, err)
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/uploads", body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	var resp uploadResponse
	if err := c.do(req, &resp); err != nil {
		return "", fmt.Errorf("upload %s: %w", filename, err)
	}
	if resp.URL == "" {
		return "", fmt.Errorf("upload %s: server returned no url", filename)
	}
	return resp.URL, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}
	return req, nil
}

func (c *Client) doJSONRequest(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = &http.Client{Timeout: httpTimeout}
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, readResponseError(resp.Body))
	}
	if out == nil {
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func readResponseError(body io.Reader) string {
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return "request failed"
	}
	var parsed map[string]string
	if err := json.Unmarshal(data, &parsed); err == nil {
		if msg, ok := parsed["error"]; ok {
			return msg
		}
	}
	return strings.TrimSpace(string(data))
}

// HTTPBaseFromSocketURL derives the API base from the websocket URL.
func HTTPBaseFromSocketURL(wsURL string) (string, error) {
	parsed, err := url.Parse(wsURL)
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "ws":
		parsed.Scheme = "http"
	case "wss":
		parsed.Scheme = "https"
	default:
		return "", fmt.Errorf("unsupported scheme %s", parsed.Scheme)
	}
	parsed.Path = ""
	parsed.RawQuery = ""
	parsed.Fragment = ""
	return strings.TrimRight(parsed.String(), "/"), nil
}
