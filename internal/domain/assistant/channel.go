package assistant

import (
	"context"
	"log/slog"
	"strings"
)

const (
	// ReplyReportedFailure is used when the service answered without success.
	ReplyReportedFailure = "Sorry, I'm having trouble connecting to the server."
	// ReplyUnreachable is used when the request could not be completed at all.
	ReplyUnreachable = "Sorry, something went wrong. Please try again later."
)

// Reply is the decoded body of the chat route.
type Reply struct {
	Success  bool   `json:"success"`
	Response string `json:"response"`
}

// Client sends one query to the chat route. An error means no decodable
// answer was received.
type Client interface {
	Chat(ctx context.Context, baseURL, query string) (Reply, error)
}

// Channel turns a user query into exactly one bot reply text.
type Channel struct {
	client Client
	logger *slog.Logger
}

// NewChannel wires the assistant channel.
func NewChannel(client Client, logger *slog.Logger) *Channel {
	return &Channel{
		client: client,
		logger: logger.With("component", "assistant.channel"),
	}
}

// Answer never fails; failures become one of the two fixed fallback replies.
func (c *Channel) Answer(ctx context.Context, baseURL, query string) string {
	reply, err := c.client.Chat(ctx, baseURL, query)
	if err != nil {
		c.logger.Warn("chat request failed", "error", err)
		return ReplyUnreachable
	}
	if !reply.Success || strings.TrimSpace(reply.Response) == "" {
		c.logger.Warn("chat service reported failure")
		return ReplyReportedFailure
	}
	return reply.Response
}
