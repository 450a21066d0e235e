package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Backend is the durable REST side of the chat server.
type Backend interface {
	ListConversations(ctx context.Context, page PageRequest) (*ConversationPage, error)
	ListMessages(ctx context.Context, conversationID string, page PageRequest) (*MessagePage, error)
	SendMessage(ctx context.Context, conversationID string, msg OutgoingMessage) (*Message, error)
	MarkAllRead(ctx context.Context, conversationID string) error
	LeaveConversation(ctx context.Context, conversationID string) error
}

// OutgoingMessage is a message submitted over REST, used for sends that
// carry an attachment.
type OutgoingMessage struct {
	TempID     string
	Content    string
	Type       string
	ReplyToID  string
	Attachment *Attachment
}

const DefaultTimeout = 30 * time.Second

// ============================================================================
// RESTClient
// ============================================================================

// RESTClient implements Backend over HTTP.
type RESTClient struct {
	baseURL    string
	token      CredentialProvider
	httpClient *http.Client
	limiter    *rate.Limiter
}

type RESTOption func(*RESTClient)

func WithHTTPClient(client *http.Client) RESTOption {
	return func(c *RESTClient) { c.httpClient = client }
}

func WithTimeout(timeout time.Duration) RESTOption {
	return func(c *RESTClient) { c.httpClient.Timeout = timeout }
}

// WithRateLimit bounds outgoing requests per second.
func WithRateLimit(perSecond float64, burst int) RESTOption {
	return func(c *RESTClient) { c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// NewRESTClient creates a REST client. creds may be nil for
// unauthenticated servers.
func NewRESTClient(baseURL string, creds CredentialProvider, opts ...RESTOption) *RESTClient {
	c := &RESTClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   creds,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		limiter: rate.NewLimiter(rate.Limit(10), 20),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *RESTClient) newRequest(ctx context.Context, method, path string, body io.Reader, query url.Values) (*http.Request, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != nil {
		token, err := c.token.Credential(ctx)
		if err != nil {
			return nil, fmt.Errorf("credential: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	return req, nil
}

// do sends req and decodes the {ok, data, meta, error} envelope. Every
// failure is returned as a *RestError.
func (c *RESTClient) do(op string, req *http.Request) (*apiResult, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, &RestError{Op: op, Err: err}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &RestError{Op: op, Err: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RestError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	var result apiResult
	if len(data) > 0 {
		if err := json.Unmarshal(data, &result); err != nil {
			if resp.StatusCode >= 400 {
				return nil, &RestError{Op: op, StatusCode: resp.StatusCode}
			}
			return nil, &RestError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to unmarshal response: %w", err)}
		}
	}
	if resp.StatusCode >= 400 || !result.OK {
		rerr := &RestError{Op: op, StatusCode: resp.StatusCode}
		if result.Error != nil {
			rerr.Code, rerr.Message = result.Error.Code, result.Error.Message
		}
		return nil, rerr
	}
	return &result, nil
}

func (c *RESTClient) doJSON(ctx context.Context, op, method, path string, query url.Values) (*apiResult, error) {
	req, err := c.newRequest(ctx, method, path, nil, query)
	if err != nil {
		return nil, &RestError{Op: op, Err: err}
	}
	return c.do(op, req)
}

func pageQuery(p PageRequest) url.Values {
	q := url.Values{}
	if p.Page > 0 {
		q.Set("page", strconv.Itoa(p.Page))
	}
	if p.Limit > 0 {
		q.Set("limit", strconv.Itoa(p.Limit))
	}
	return q
}

func pageInfo(meta *PageInfo, p PageRequest) PageInfo {
	if meta != nil {
		return *meta
	}
	return PageInfo{CurrentPage: p.Page}
}

func conversationPath(id string, rest string) string {
	return "/api/conversations/" + url.PathEscape(id) + rest
}

// ============================================================================
// Backend
// ============================================================================

func (c *RESTClient) ListConversations(ctx context.Context, page PageRequest) (*ConversationPage, error) {
	const op = "list conversations"
	res, err := c.doJSON(ctx, op, http.MethodGet, "/api/conversations", pageQuery(page))
	if err != nil {
		return nil, err
	}
	var items []ConversationRecord
	if err := res.Decode(&items); err != nil {
		return nil, &RestError{Op: op, Err: fmt.Errorf("decode conversations: %w", err)}
	}
	return &ConversationPage{Items: items, Info: pageInfo(res.Meta, page)}, nil
}

func (c *RESTClient) ListMessages(ctx context.Context, conversationID string, page PageRequest) (*MessagePage, error) {
	const op = "list messages"
	res, err := c.doJSON(ctx, op, http.MethodGet, conversationPath(conversationID, "/messages"), pageQuery(page))
	if err != nil {
		return nil, err
	}
	var items []Message
	if err := res.Decode(&items); err != nil {
		return nil, &RestError{Op: op, Err: fmt.Errorf("decode messages: %w", err)}
	}
	for i := range items {
		if items[i].ConversationID == "" {
			items[i].ConversationID = conversationID
		}
	}
	return &MessagePage{Items: items, Info: pageInfo(res.Meta, page)}, nil
}

// SendMessage posts a message as multipart form data. The file part is
// streamed from the attachment reader.
func (c *RESTClient) SendMessage(ctx context.Context, conversationID string, msg OutgoingMessage) (*Message, error) {
	const op = "send message"

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fields := []struct{ k, v string }{
		{"content", msg.Content},
		{"type", msg.Type},
		{"replyToId", msg.ReplyToID},
		{"tempId", msg.TempID},
	}
	for _, f := range fields {
		if f.v == "" {
			continue
		}
		if err := w.WriteField(f.k, f.v); err != nil {
			return nil, &RestError{Op: op, Err: err}
		}
	}
	if a := msg.Attachment; a != nil {
		if a.Data == nil {
			return nil, &RestError{Op: op, Err: errors.New("attachment has no data")}
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, a.FileName))
		h.Set("Content-Type", mimeOr(a.MimeType))
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, &RestError{Op: op, Err: fmt.Errorf("failed to create form file: %w", err)}
		}
		if _, err := io.Copy(part, a.Data); err != nil {
			return nil, &RestError{Op: op, Err: fmt.Errorf("failed to write file data: %w", err)}
		}
	}
	if err := w.Close(); err != nil {
		return nil, &RestError{Op: op, Err: err}
	}

	req, err := c.newRequest(ctx, http.MethodPost, conversationPath(conversationID, "/messages"), &buf, nil)
	if err != nil {
		return nil, &RestError{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	res, err := c.do(op, req)
	if err != nil {
		return nil, err
	}
	var m Message
	if err := res.Decode(&m); err != nil {
		return nil, &RestError{Op: op, Err: fmt.Errorf("decode message: %w", err)}
	}
	if m.ID == "" {
		return nil, &RestError{Op: op, Err: errors.New("response carries no message id")}
	}
	if m.ConversationID == "" {
		m.ConversationID = conversationID
	}
	return &m, nil
}

func (c *RESTClient) MarkAllRead(ctx context.Context, conversationID string) error {
	_, err := c.doJSON(ctx, "mark read", http.MethodPost, conversationPath(conversationID, "/read"), nil)
	return err
}

func (c *RESTClient) LeaveConversation(ctx context.Context, conversationID string) error {
	_, err := c.doJSON(ctx, "leave conversation", http.MethodPost, conversationPath(conversationID, "/leave"), nil)
	return err
}

func mimeOr(m string) string {
	if m == "" {
		return "application/octet-stream"
	}
	return m
}
