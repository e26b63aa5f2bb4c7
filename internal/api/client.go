// Package api is the HTTP client for the Openly messaging REST API.
//
// All requests are JSON over HTTP and take a context for cancellation.
// Non-2xx responses are returned as *apperr.AppError carrying a code
// derived from the status and the server's detail message; transport
// failures are wrapped as apperr.CodeUnavailable.
package api

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

	"github.com/sirupsen/logrus"

	"github.com/openly/messenger/internal/apperr"
	"github.com/openly/messenger/internal/models"
)

const DefaultTimeout = 15 * time.Second

type Client struct {
	Base string
	HTTP *http.Client
	Log  *logrus.Entry
}

// New returns a client for the API rooted at base.
func New(base string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		Base: strings.TrimRight(base, "/"),
		HTTP: &http.Client{Timeout: timeout},
		Log:  logrus.WithField("component", "api"),
	}
}

// ListOptions pages through message history. Before is a created_at
// bound; the zero value means the latest page.
type ListOptions struct {
	Limit  int
	Before models.Timestamp
}

func (c *Client) ListConversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	var out []models.Conversation
	q := url.Values{"user_id": {userID}}
	if err := c.do(ctx, http.MethodGet, "/conversations/?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateConversation returns the conversation for the pair, creating it
// if needed.
func (c *Client) CreateConversation(ctx context.Context, userID, targetUserID string) (models.Conversation, error) {
	var out models.Conversation
	in := CreateConversationRequest{UserID: userID, TargetUserID: targetUserID}
	if err := c.do(ctx, http.MethodPost, "/conversations/", in, &out); err != nil {
		return models.Conversation{}, err
	}
	return out, nil
}

func (c *Client) ListMessages(ctx context.Context, conversationID string, opts ListOptions) ([]models.Message, error) {
	q := url.Values{}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if !opts.Before.IsZero() {
		q.Set("before", opts.Before.UTC().Format(time.RFC3339Nano))
	}
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out []models.Message
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SendMessage posts already-encrypted content.
func (c *Client) SendMessage(ctx context.Context, conversationID, senderID, content string) (models.Message, error) {
	var out models.Message
	in := SendMessageRequest{SenderID: senderID, Content: content}
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.do(ctx, http.MethodPost, path, in, &out); err != nil {
		return models.Message{}, err
	}
	return out, nil
}

func (c *Client) MarkRead(ctx context.Context, conversationID, userID string) error {
	path := "/conversations/" + url.PathEscape(conversationID) + "/read"
	return c.do(ctx, http.MethodPut, path, MarkReadRequest{UserID: userID}, &StatusResponse{})
}

func (c *Client) DeleteMessage(ctx context.Context, messageID, userID string) error {
	q := url.Values{"user_id": {userID}}
	path := "/messages/" + url.PathEscape(messageID) + "?" + q.Encode()
	return c.do(ctx, http.MethodDelete, path, nil, &StatusResponse{})
}

func (c *Client) UnreadCount(ctx context.Context, userID string) (int, error) {
	var out UnreadCountResponse
	if err := c.do(ctx, http.MethodGet, "/users/"+url.PathEscape(userID)+"/unread-count", nil, &out); err != nil {
		return 0, err
	}
	return out.UnreadCount, nil
}

func (c *Client) UpsertUser(ctx context.Context, user models.User) (models.User, error) {
	var out models.User
	in := UpsertUserRequest{Username: user.Username, DisplayName: user.DisplayName, PhotoURL: user.PhotoURL}
	if err := c.do(ctx, http.MethodPut, "/users/"+url.PathEscape(user.ID), in, &out); err != nil {
		return models.User{}, err
	}
	return out, nil
}

func (c *Client) SearchUsers(ctx context.Context, query string) ([]models.User, error) {
	var out []models.User
	q := url.Values{"q": {query}}
	if err := c.do(ctx, http.MethodGet, "/users/search?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf := new(bytes.Buffer)
		if err := json.NewEncoder(buf).Encode(in); err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = buf
	}

	req, err := http.NewRequestWithContext(ctx, method, c.Base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return apperr.Unavailable(fmt.Sprintf("%s %s", method, path), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		err := apperr.Decode(resp)
		c.log().WithFields(logrus.Fields{
			"method": method,
			"path":   path,
			"status": resp.StatusCode,
		}).WithError(err).Debug("API request failed")
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) log() *logrus.Entry {
	if c.Log != nil {
		return c.Log
	}
	return logrus.WithField("component", "api")
}
