// Package api is the REST side of the chat backend: auth, directory, history
// and send. The session credential lives in the client's cookie jar.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"chatsync/internal/model"
)

const maxErrorBody = 64 << 10

type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client. Its Jar, if any, is
// kept so the push channel can share it.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient builds a client for baseURL (e.g. "http://localhost:8080/api").
func NewClient(baseURL string, timeout time.Duration, opts ...Option) (*Client, error) {
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Jar: jar, Timeout: timeout},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Jar exposes the cookie jar so the push channel authenticates with the
// same session cookie.
func (c *Client) Jar() http.CookieJar {
	return c.http.Jar
}

// ---------------------------------------------
// Auth service
// ---------------------------------------------

func (c *Client) Signup(ctx context.Context, req model.SignupRequest) (model.Identity, error) {
	var id model.Identity
	err := c.do(ctx, "signup", http.MethodPost, "/auth/signup", req, &id, true)
	return id, err
}

func (c *Client) Login(ctx context.Context, creds model.Credentials) (model.Identity, error) {
	var id model.Identity
	err := c.do(ctx, "login", http.MethodPost, "/auth/login", creds, &id, true)
	return id, err
}

func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, "logout", http.MethodPost, "/auth/logout", nil, nil, false)
}

func (c *Client) Check(ctx context.Context) (model.Identity, error) {
	var id model.Identity
	err := c.do(ctx, "check", http.MethodGet, "/auth/check", nil, &id, true)
	return id, err
}

func (c *Client) UpdateProfile(ctx context.Context, profilePic string) (model.Identity, error) {
	var id model.Identity
	err := c.do(ctx, "update profile", http.MethodPut, "/auth/update-profile", model.ProfileUpdate{ProfilePic: profilePic}, &id, false)
	return id, err
}

// ---------------------------------------------
// Directory, history and send services
// ---------------------------------------------

func (c *Client) Contacts(ctx context.Context) ([]model.Contact, error) {
	var contacts []model.Contact
	err := c.do(ctx, "contacts", http.MethodGet, "/messages/users", nil, &contacts, false)
	return contacts, err
}

func (c *Client) Messages(ctx context.Context, contactID string) ([]model.Message, error) {
	var msgs []model.Message
	err := c.do(ctx, "history", http.MethodGet, "/messages/"+url.PathEscape(contactID), nil, &msgs, false)
	return msgs, err
}

func (c *Client) Send(ctx context.Context, recipientID string, content model.Content) (model.Message, error) {
	var msg model.Message
	err := c.do(ctx, "send", http.MethodPost, "/messages/send/"+url.PathEscape(recipientID), content, &msg, false)
	return msg, err
}

// ---------------------------------------------
// Memories
// ---------------------------------------------

func (c *Client) Memories(ctx context.Context) ([]model.Memory, error) {
	var items []model.Memory
	err := c.do(ctx, "memories", http.MethodGet, "/memories", nil, &items, false)
	return items, err
}

func (c *Client) UploadMemory(ctx context.Context, upload model.MemoryUpload) (model.Memory, error) {
	var item model.Memory
	err := c.do(ctx, "upload memory", http.MethodPost, "/memories", upload, &item, false)
	return item, err
}

// do performs one JSON round trip. authRoute marks routes whose 4xx answers
// are credential rejections rather than service failures.
func (c *Client) do(ctx context.Context, op, method, path string, in, out any, authRoute bool) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := readMessage(resp.Body)
		c.logger.Debug("request failed", "op", op, "status", resp.StatusCode, "message", msg)
		if authRoute && isRejection(resp.StatusCode) {
			return &AuthError{Status: resp.StatusCode, Message: msg}
		}
		return &NetworkError{Op: op, Status: resp.StatusCode, Message: msg}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return &NetworkError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func isRejection(status int) bool {
	return status == http.StatusBadRequest || status == http.StatusUnauthorized || status == http.StatusForbidden
}

// readMessage extracts {"message": "..."} from a failure body.
func readMessage(r io.Reader) string {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(io.LimitReader(r, maxErrorBody)).Decode(&payload); err != nil {
		return ""
	}
	return payload.Message
}
