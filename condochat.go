// Package condochat is the client side of the condominium marketplace chat:
// a buyer and a seller negotiate over a listing with free-text messages and
// price offers, kept live over a Pusher channel.
//
// Example:
//
//	client := condochat.NewClient(token, condochat.WithBaseURL("https://api.example.com"))
//	push := condochat.NewRealtimeClient(condochat.RealtimeConfig{AppKey: key, Cluster: "eu", AutoReconnect: true})
//	_ = push.Connect(ctx)
//
//	engine := condochat.NewEngine(client.Chats, push)
//	session, _ := engine.Open(ctx, 42)
//	_ = engine.SendMessage(ctx, "Is it still available?")
//	for _, item := range session.Snapshot() { ... }
package condochat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	Version        = "0.1.0"
	DefaultBaseURL = "http://localhost:8000/api"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the marketplace REST API.
type Client struct {
	token      string
	baseURL    string
	userAgent  string
	httpClient *http.Client

	// Chats groups the conversation endpoints.
	Chats *ChatsClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithUserAgent(ua string) ClientOption {
	return func(c *Client) { c.userAgent = ua }
}

// NewClient creates a client authenticated with a bearer token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:     token,
		baseURL:   DefaultBaseURL,
		userAgent: "condochat-go/" + Version,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	c.Chats = &ChatsClient{c: c}
	return c
}

// SetToken replaces the bearer token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, header http.Header) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, parseAPIError(resp.StatusCode, data)
	}
	return data, nil
}

// parseAPIError reads the backend's {"message": ..., "error": ...} body.
func parseAPIError(status int, data []byte) *APIError {
	apiErr := &APIError{StatusCode: status}
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil {
		apiErr.Code = body.Code
		apiErr.Message = body.Message
		if apiErr.Message == "" {
			apiErr.Message = body.Error
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Chats
// ============================================================================

// ChatsClient covers the marketplace conversation endpoints.
type ChatsClient struct {
	c *Client
}

// List returns the user's conversations.
func (cc *ChatsClient) List(ctx context.Context) (*ChatList, error) {
	data, err := cc.c.doRequest(ctx, http.MethodGet, "/marketplace/getchats", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[ChatList](data)
}

// CreateOrGet returns the conversation between the caller and sellerID about
// listingID, creating it when needed.
func (cc *ChatsClient) CreateOrGet(ctx context.Context, listingID ListingID, sellerID UserID) (ChatID, error) {
	data, err := cc.c.doRequest(ctx, http.MethodPost, "/marketplace/createorgetchat",
		&createChatRequest{ListingID: listingID, SellerID: sellerID}, nil)
	if err != nil {
		return 0, err
	}
	resp, err := decodeJSON[createChatResponse](data)
	if err != nil {
		return 0, err
	}
	if resp.ChatID == 0 {
		return 0, fmt.Errorf("createorgetchat returned no chat id")
	}
	return resp.ChatID, nil
}

// History loads the full timeline of chatID together with the caller's
// identity and the listing id. Items that cannot be decoded are skipped and
// counted in History.Skipped.
func (cc *ChatsClient) History(ctx context.Context, chatID ChatID) (*History, error) {
	path := "/marketplace/chat/" + url.PathEscape(strconv.FormatInt(int64(chatID), 10)) + "/messages"
	data, err := cc.c.doRequest(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[historyResponse](data)
	if err != nil {
		return nil, err
	}

	h := &History{
		ListingID: resp.AdID,
		SelfID:    resp.UserID,
		Items:     make([]TimelineItem, 0, len(resp.Conversation)),
	}
	for _, raw := range resp.Conversation {
		var w wireItem
		if err := json.Unmarshal(raw, &w); err != nil {
			h.Skipped++
			continue
		}
		item, err := w.toItem(chatID)
		if err != nil {
			h.Skipped++
			continue
		}
		h.Items = append(h.Items, item)
	}
	return h, nil
}

// SendMessage posts a chat message.
func (cc *ChatsClient) SendMessage(ctx context.Context, req *SendMessageRequest) error {
	var header http.Header
	if req.IdempotencyKey != "" {
		header = http.Header{"X-Idempotency-Key": []string{req.IdempotencyKey}}
	}
	_, err := cc.c.doRequest(ctx, http.MethodPost, "/marketplace/sendmessage", req, header)
	return err
}

// SendOffer posts a price offer for a listing.
func (cc *ChatsClient) SendOffer(ctx context.Context, req *SendOfferRequest) error {
	_, err := cc.c.doRequest(ctx, http.MethodPost, "/marketplace/sendOffer", req, nil)
	return err
}

// RespondOffer accepts or rejects an offer.
func (cc *ChatsClient) RespondOffer(ctx context.Context, req *RespondOfferRequest) error {
	_, err := cc.c.doRequest(ctx, http.MethodPost, "/marketplace/respondoffer", req, nil)
	return err
}
