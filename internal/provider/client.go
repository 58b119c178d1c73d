// Package provider is the stateless adapter for the remote messaging
// gateway. Every method is one HTTP round trip translating between the
// gateway's wire shapes and the engine's types; retry policy belongs to
// callers.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"chatsync/internal/delivery"
)

// Record is one normalized remote message.
type Record struct {
	ID        string
	FromMe    bool
	Address   string
	PushName  string
	Content   Content
	Status    delivery.Status
	Timestamp int64 // unix ms
}

// ChatSummary is one conversation as reported by the gateway.
type ChatSummary struct {
	JID           string
	Name          string
	Address       string
	UnreadCount   int
	LastMessage   string
	LastMessageAt int64 // unix ms
	AvatarURL     string
}

// Media describes an outbound media message.
type Media struct {
	Kind     ContentKind
	URL      string
	Caption  string
	FileName string
}

// Presence states accepted by the gateway.
type Presence string

const (
	Available   Presence = "available"
	Unavailable Presence = "unavailable"
	Composing   Presence = "composing"
	Recording   Presence = "recording"
	Paused      Presence = "paused"
)

// Options configures a Client. BaseURL and Instance are required; the
// zero HTTPClient gets a bounded default timeout.
type Options struct {
	BaseURL       string
	APIKey        string
	SecurityToken string
	Instance      string
	HTTPClient    *http.Client
}

// Client issues requests against one gateway instance. It holds no state
// beyond its configuration and is safe for concurrent use.
type Client struct {
	baseURL       string
	apiKey        string
	securityToken string
	instance      string
	httpClient    *http.Client
}

// New creates a gateway client from explicit options.
func New(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:       strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		apiKey:        opts.APIKey,
		securityToken: opts.SecurityToken,
		instance:      opts.Instance,
		httpClient:    httpClient,
	}
}

// FindChats lists the gateway's known conversations.
func (c *Client) FindChats(ctx context.Context) ([]ChatSummary, error) {
	var resp findChatsResponse
	if err := c.do(ctx, http.MethodPost, "/chat/findChats/"+c.instance, struct{}{}, &resp); err != nil {
		return nil, err
	}
	chats := make([]ChatSummary, 0, len(resp.Chats))
	for _, w := range resp.Chats {
		s := ChatSummary{
			JID:         w.ID,
			Name:        w.Name,
			Address:     w.Phone,
			UnreadCount: w.UnreadCount,
			AvatarURL:   w.ProfilePictureURL,
		}
		if s.Address == "" {
			s.Address = addressFromJID(w.ID)
		}
		if w.LastMessage != nil {
			s.LastMessage = w.LastMessage.Text
			s.LastMessageAt = w.LastMessage.Timestamp * 1000
		}
		chats = append(chats, s)
	}
	return chats, nil
}

// FindMessages fetches the newest window of messages for one counterparty.
func (c *Client) FindMessages(ctx context.Context, address string, limit int) ([]Record, error) {
	req := findMessagesRequest{Limit: limit}
	req.Where.Key.RemoteJid = jid(address)

	var resp findMessagesResponse
	if err := c.do(ctx, http.MethodPost, "/chat/findMessages/"+c.instance, req, &resp); err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(resp.Messages.Records))
	for _, w := range resp.Messages.Records {
		if w.Key.ID == "" {
			continue
		}
		records = append(records, decodeRecord(w))
	}
	return records, nil
}

// SendText dispatches a text message and returns the provider-assigned
// message identifier.
func (c *Client) SendText(ctx context.Context, address, body string) (string, error) {
	req := sendTextRequest{
		Number:      address,
		Text:        body,
		Delay:       1000,
		LinkPreview: true,
	}
	var resp sendResponse
	if err := c.do(ctx, http.MethodPost, "/message/sendText/"+c.instance, req, &resp); err != nil {
		return "", err
	}
	if resp.Key.ID == "" {
		return "", fmt.Errorf("send accepted without message id: %w", ErrMalformed)
	}
	return resp.Key.ID, nil
}

// SendMedia dispatches a media message and returns the provider-assigned
// message identifier.
func (c *Client) SendMedia(ctx context.Context, address string, m Media) (string, error) {
	req := sendMediaRequest{
		Number:  address,
		Options: sendMediaOpts{Delay: 1000, Presence: string(Composing)},
	}
	switch m.Kind {
	case KindImage:
		req.Image = &mediaPayload{Image: m.URL, Caption: m.Caption}
	case KindVideo:
		req.Video = &mediaPayload{Video: m.URL, Caption: m.Caption}
	case KindDocument:
		name := m.FileName
		if name == "" {
			name = "document"
		}
		req.Document = &docPayload{Document: m.URL, FileName: name}
	case KindAudio:
		req.Audio = &audioPayload{Audio: m.URL}
	default:
		return "", fmt.Errorf("unsendable media kind %q", m.Kind)
	}

	var resp sendResponse
	if err := c.do(ctx, http.MethodPost, "/message/sendMedia/"+c.instance, req, &resp); err != nil {
		return "", err
	}
	if resp.Key.ID == "" {
		return "", fmt.Errorf("send accepted without message id: %w", ErrMalformed)
	}
	return resp.Key.ID, nil
}

// MarkRead issues a read receipt for one message.
func (c *Client) MarkRead(ctx context.Context, messageID, address string, fromMe bool) error {
	req := markReadRequest{
		ReadMessages: []readReceipt{{
			ID:        messageID,
			RemoteJid: jid(address),
			FromMe:    fromMe,
		}},
	}
	return c.do(ctx, http.MethodPost, "/chat/markMessageAsRead/"+c.instance, req, nil)
}

// SetPresence reports a presence state for one conversation.
func (c *Client) SetPresence(ctx context.Context, address string, p Presence) error {
	req := presenceRequest{Presence: string(p), Number: address}
	return c.do(ctx, http.MethodPost, "/chat/sendPresence/"+c.instance, req, nil)
}

// ConnectionState probes the gateway instance state (e.g. "open").
func (c *Client) ConnectionState(ctx context.Context) (string, error) {
	var resp connectionStateResponse
	if err := c.do(ctx, http.MethodGet, "/instance/connectionState/"+c.instance, nil, &resp); err != nil {
		return "", err
	}
	return resp.Instance.State, nil
}

// CheckNumber reports whether the address exists on the messaging network.
func (c *Client) CheckNumber(ctx context.Context, address string) (bool, error) {
	req := struct {
		Numbers []string `json:"numbers"`
	}{Numbers: []string{address}}

	var resp []numberCheck
	if err := c.do(ctx, http.MethodPost, "/chat/whatsappNumbers/"+c.instance, req, &resp); err != nil {
		return false, err
	}
	if len(resp) == 0 {
		return false, nil
	}
	return resp[0].Exists, nil
}

// ProfilePictureURL fetches the counterparty's avatar URL, if any.
func (c *Client) ProfilePictureURL(ctx context.Context, address string) (string, error) {
	req := struct {
		Number string `json:"number"`
	}{Number: address}

	var resp profilePictureResponse
	if err := c.do(ctx, http.MethodPost, "/chat/fetchProfilePictureUrl/"+c.instance, req, &resp); err != nil {
		return "", err
	}
	return resp.ProfilePictureURL, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}
	if c.securityToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.securityToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %v: %w", method, path, err, ErrUnreachable)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%s %s: status %d: %w", method, path, resp.StatusCode, ErrAuth)
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%s %s: status %d: %w", method, path, resp.StatusCode, ErrRateLimited)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%s %s: status %d: %w", method, path, resp.StatusCode, ErrUnreachable)
	case resp.StatusCode >= 400:
		return fmt.Errorf("%s %s: status %d: %w", method, path, resp.StatusCode, ErrMalformed)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %v: %w", method, path, err, ErrMalformed)
	}
	return nil
}
