// Package api implements the HTTP collaborators of the sync engine: the
// historical message query, the chat summary query, the send command used as
// fallback when the transport is down, and the attachment upload.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"chatwire/internal/domain"
	"chatwire/internal/metrics"
)

// Config configures the API client.
type Config struct {
	BaseURL string
	Token   string // bearer credential; empty disables the header
	Timeout time.Duration
	Logger  *slog.Logger
}

// Client talks to the chat backend over HTTP.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	retry   retrier
	logger  *slog.Logger
}

var (
	_ domain.Queries  = (*Client)(nil)
	_ domain.Sender   = (*Client)(nil)
	_ domain.Uploader = (*Client)(nil)
)

// NewClient creates an API client with connection pooling.
func NewClient(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	transport := &http.Transport{
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return &Client{
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
		http:    &http.Client{Timeout: cfg.Timeout, Transport: transport},
		retry:   newRetrier(cfg.Logger),
		logger:  cfg.Logger,
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// Messages fetches the conversation history between self and peer.
// Records with a missing required field or an unparseable timestamp are
// dropped individually; the rest of the batch proceeds.
func (c *Client) Messages(ctx context.Context, self, peer string) ([]domain.Message, error) {
	path := "/api/messages?self=" + url.QueryEscape(self) + "&peer=" + url.QueryEscape(peer)
	resp, err := c.retry.do(ctx, c.http, func() (*http.Request, error) {
		return c.newRequest(ctx, http.MethodGet, path, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch messages: HTTP %d", resp.StatusCode)
	}

	var records []domain.MessageRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}

	msgs := make([]domain.Message, 0, len(records))
	for _, rec := range records {
		msg, err := domain.MessageFromRecord(rec)
		if err != nil {
			var malformed *domain.MalformedDataError
			if errors.As(err, &malformed) {
				c.logger.Warn("dropping malformed history record",
					"id", rec.ID, "err", err)
				metrics.Collector.Counter("api_malformed_records_total", "History records dropped as malformed").Inc()
				continue
			}
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// chatSummaryRecord is the wire shape of one summary row.
type chatSummaryRecord struct {
	PeerID      string `json:"peerId"`
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar"`
	LastMessage string `json:"lastMessage"`
	LastUpdated string `json:"lastUpdated"`
	LastSender  string `json:"lastSender"`
}

// ChatSummaries fetches the full conversation summary list for self.
func (c *Client) ChatSummaries(ctx context.Context, self string) ([]domain.ChatSummary, error) {
	path := "/api/chats?user=" + url.QueryEscape(self)
	resp, err := c.retry.do(ctx, c.http, func() (*http.Request, error) {
		return c.newRequest(ctx, http.MethodGet, path, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch chat summaries: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch chat summaries: HTTP %d", resp.StatusCode)
	}

	var records []chatSummaryRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("decode chat summaries: %w", err)
	}

	summaries := make([]domain.ChatSummary, 0, len(records))
	for _, rec := range records {
		if rec.PeerID == "" {
			c.logger.Warn("dropping summary without peer id")
			continue
		}
		ts, err := domain.ParseTimestamp(rec.LastUpdated)
		if err != nil {
			c.logger.Warn("dropping summary with bad timestamp", "peer", rec.PeerID, "err", err)
			continue
		}
		summaries = append(summaries, domain.ChatSummary{
			PeerID:      rec.PeerID,
			DisplayName: rec.DisplayName,
			Avatar:      rec.Avatar,
			LastMessage: rec.LastMessage,
			LastUpdated: ts,
			LastSender:  rec.LastSender,
		})
	}
	return summaries, nil
}

// sendRequest is the HTTP-fallback send command body.
type sendRequest struct {
	Content    string   `json:"content"`
	FileURLs   []string `json:"fileUrls,omitempty"`
	ReceiverID string   `json:"receiverId"`
	ReplyTo    string   `json:"replyToMessageId,omitempty"`
}

// SendMessage delivers one message over HTTP. Never retried: a failed send
// surfaces to the caller, who decides whether to resend.
func (c *Client) SendMessage(ctx context.Context, msg domain.Message) (domain.SendResult, error) {
	body, err := json.Marshal(sendRequest{
		Content:    msg.Content,
		FileURLs:   msg.FileURLs,
		ReceiverID: msg.Receiver,
		ReplyTo:    msg.ReplyTo,
	})
	if err != nil {
		return domain.SendResult{}, err
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/api/messages", bytes.NewReader(body))
	if err != nil {
		return domain.SendResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.SendResult{}, fmt.Errorf("send message: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return domain.SendResult{}, fmt.Errorf("send message: HTTP %d", resp.StatusCode)
	}

	var result domain.SendResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return domain.SendResult{}, fmt.Errorf("decode send result: %w", err)
	}
	if result.ID == "" {
		return domain.SendResult{}, fmt.Errorf("send message: server returned no id")
	}
	return result, nil
}

// uploadRecord is the per-file wire result of the upload endpoint.
type uploadRecord struct {
	URL   string `json:"url"`
	Error string `json:"error,omitempty"`
}

// Upload posts the given files as one multipart request. Results are
// order-preserving: result i belongs to files[i].
func (c *Client) Upload(ctx context.Context, files []string) ([]domain.UploadResult, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for _, path := range files {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		part, err := writer.CreateFormFile("files", filepath.Base(path))
		if err == nil {
			_, err = io.Copy(part, f)
		}
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("buffer %s: %w", path, err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/api/uploads", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upload: HTTP %d", resp.StatusCode)
	}

	var records []uploadRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("decode upload result: %w", err)
	}
	if len(records) != len(files) {
		return nil, fmt.Errorf("upload: got %d results for %d files", len(records), len(files))
	}

	results := make([]domain.UploadResult, len(records))
	for i, rec := range records {
		results[i] = domain.UploadResult{URL: rec.URL}
		if rec.Error != "" {
			results[i].Err = errors.New(rec.Error)
		}
	}
	return results, nil
}
