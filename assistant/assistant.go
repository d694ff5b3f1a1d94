// Package assistant talks to the in-app pet assistant.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/karthikraju391/go-chat-sync/rest_client"
)

const (
	replyPath    = "/pawlo/reply"
	fallbackPath = "/reply"
)

// ErrEmptyPrompt is returned when neither text nor images are supplied.
var ErrEmptyPrompt = errors.New("assistant prompt is empty")

// Turn is one earlier exchange passed back to the assistant as context.
type Turn struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

type ReplyRequest struct {
	Message   string   `json:"message"`
	History   []Turn   `json:"history"`
	ImageURLs []string `json:"imageUrls"`
}

type replyResponse struct {
	Reply string `json:"reply"`
}

// Requester is the subset of rest_client.Client used here.
type Requester interface {
	Do(ctx context.Context, method, path string, query url.Values, body, out any) error
}

type Client struct {
	rest   Requester
	logger *slog.Logger
}

func New(rest Requester, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{rest: rest, logger: logger.With("component", "assistant")}
}

// Reply asks the assistant for an answer. Deployments that do not mount the
// assistant under /pawlo answer 404 or 405 there; the request is then repeated
// once against /reply.
func (c *Client) Reply(ctx context.Context, req ReplyRequest) (string, error) {
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" && len(req.ImageURLs) == 0 {
		return "", ErrEmptyPrompt
	}
	if req.History == nil {
		req.History = []Turn{}
	}
	if req.ImageURLs == nil {
		req.ImageURLs = []string{}
	}

	var resp replyResponse
	err := c.rest.Do(ctx, http.MethodPost, replyPath, nil, req, &resp)
	if errors.Is(err, rest_client.ErrNotFound) {
		c.logger.Debug("assistant route missing, using fallback", "path", replyPath, "fallback", fallbackPath)
		err = c.rest.Do(ctx, http.MethodPost, fallbackPath, nil, req, &resp)
	}
	if err != nil {
		return "", fmt.Errorf("assistant reply: %w", err)
	}
	return resp.Reply, nil
}
