// Package instagram talks to the Instagram Graph API: it performs dispatch actions,
// probes account connections and decodes webhook deliveries.
package instagram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/BTreeMap/InstaPipe/internal/messaging"
	"github.com/BTreeMap/InstaPipe/internal/models"
)

// DefaultBaseURL is the Graph API root used when none is configured.
const DefaultBaseURL = "https://graph.facebook.com/v19.0"

// codeInvalidToken is the Graph API error code for an expired or revoked token.
const codeInvalidToken = 190

// ErrTokenExpired is returned when the Graph API rejects the access token.
var ErrTokenExpired = errors.New("instagram access token expired or revoked")

// GraphError is an error payload returned by the Graph API.
type GraphError struct {
	Status  int    `json:"-"`
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

func (e *GraphError) Error() string {
	return fmt.Sprintf("graph api %d (code %d): %s", e.Status, e.Code, e.Message)
}

// Opts holds configuration for the Graph API client.
type Opts struct {
	BaseURL    string
	HTTPClient *http.Client
}

// Option configures a Client.
type Option func(*Opts)

// WithBaseURL overrides the Graph API root.
func WithBaseURL(u string) Option {
	return func(o *Opts) { o.BaseURL = u }
}

// WithHTTPClient sets the transport used under the OAuth2 token source.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// Client calls the Graph API on behalf of connected accounts. Access tokens travel
// per call, so one Client serves every user.
type Client struct {
	baseURL string
	base    *http.Client
}

// Compile-time check that Client is a messaging.Service.
var _ messaging.Service = (*Client)(nil)

// NewClient creates a Graph API client.
func NewClient(opts ...Option) *Client {
	cfg := Opts{BaseURL: DefaultBaseURL}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(cfg.BaseURL, "/"), base: cfg.HTTPClient}
}

// httpClient returns a client that sends token as a bearer credential.
func (c *Client) httpClient(ctx context.Context, token string) *http.Client {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.base)
	return oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}))
}

func (c *Client) do(ctx context.Context, token, method, path string, body io.Reader, contentType string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient(ctx, token).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var envelope struct {
			Error *GraphError `json:"error"`
		}
		if json.Unmarshal(raw, &envelope) == nil && envelope.Error != nil {
			envelope.Error.Status = resp.StatusCode
			return envelope.Error
		}
		return &GraphError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, token, path string, payload interface{}, out interface{}) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	return c.do(ctx, token, http.MethodPost, path, strings.NewReader(string(b)), "application/json", out)
}

func (c *Client) postForm(ctx context.Context, token, path string, form url.Values, out interface{}) error {
	return c.do(ctx, token, http.MethodPost, path, strings.NewReader(form.Encode()), "application/x-www-form-urlencoded", out)
}

// Send implements messaging.Service. Every failure is returned as a
// *models.TransportError.
func (c *Client) Send(ctx context.Context, action messaging.Action) error {
	if err := messaging.ValidateAction(action); err != nil {
		return &models.TransportError{Op: string(action.Type), Err: err}
	}

	var err error
	switch action.Type {
	case models.ActionSendDM:
		err = c.sendDM(ctx, action)
	case models.ActionReplyComment:
		err = c.replyComment(ctx, action)
	case models.ActionPublishPost:
		err = c.publishPost(ctx, action)
	}
	if err != nil {
		slog.Error("Client.Send: graph call failed", "action", action.Type, "account", action.AccountID, "error", err)
		return &models.TransportError{Op: string(action.Type), Err: err}
	}
	slog.Debug("Client.Send: delivered", "action", action.Type, "account", action.AccountID)
	return nil
}

func (c *Client) sendDM(ctx context.Context, a messaging.Action) error {
	recipient := map[string]string{"id": a.Recipient}
	if a.TargetID != "" {
		// Private reply to the comment that triggered the rule.
		recipient = map[string]string{"comment_id": a.TargetID}
	}
	payload := map[string]interface{}{
		"recipient": recipient,
		"message":   map[string]string{"text": a.Body},
	}
	return c.postJSON(ctx, a.AccessToken, "/"+url.PathEscape(a.AccountID)+"/messages", payload, nil)
}

func (c *Client) replyComment(ctx context.Context, a messaging.Action) error {
	form := url.Values{"message": {a.Body}}
	return c.postForm(ctx, a.AccessToken, "/"+url.PathEscape(a.TargetID)+"/replies", form, nil)
}

func (c *Client) publishPost(ctx context.Context, a messaging.Action) error {
	var container struct {
		ID string `json:"id"`
	}
	form := url.Values{"image_url": {a.MediaURL}, "caption": {a.Body}}
	account := "/" + url.PathEscape(a.AccountID)
	if err := c.postForm(ctx, a.AccessToken, account+"/media", form, &container); err != nil {
		return fmt.Errorf("create media container: %w", err)
	}
	if container.ID == "" {
		return fmt.Errorf("create media container: empty id")
	}
	if err := c.postForm(ctx, a.AccessToken, account+"/media_publish", url.Values{"creation_id": {container.ID}}, nil); err != nil {
		return fmt.Errorf("publish media %s: %w", container.ID, err)
	}
	return nil
}

// Account is the subset of an Instagram professional account the service reads.
type Account struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name,omitempty"`
}

// CheckAccount verifies that token still grants access to igUserID. It returns
// ErrTokenExpired when the token was rejected.
func (c *Client) CheckAccount(ctx context.Context, igUserID, token string) (*Account, error) {
	var acct Account
	path := "/" + url.PathEscape(igUserID) + "?fields=id,username,name"
	err := c.do(ctx, token, http.MethodGet, path, nil, "", &acct)
	var gerr *GraphError
	if errors.As(err, &gerr) && (gerr.Code == codeInvalidToken || gerr.Status == http.StatusUnauthorized) {
		return nil, fmt.Errorf("%w: %s", ErrTokenExpired, gerr.Message)
	}
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

// UserProfile resolves an Instagram-scoped user ID to its handle and display name.
func (c *Client) UserProfile(ctx context.Context, igsid, token string) (*Account, error) {
	var acct Account
	path := "/" + url.PathEscape(igsid) + "?fields=username,name"
	if err := c.do(ctx, token, http.MethodGet, path, nil, "", &acct); err != nil {
		return nil, err
	}
	acct.ID = igsid
	return &acct, nil
}
