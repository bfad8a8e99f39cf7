package assistant

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewLogStartsWithGreeting(t *testing.T) {
	l := NewLog(1000)
	require.False(t, l.Open)
	require.Equal(t, []Message{{ID: 1000, Text: Greeting, Sender: SenderBot}}, l.Messages)
}

func TestAppendKeepsIDsIncreasing(t *testing.T) {
	l := NewLog(1000)
	first := l.Append("hello", SenderUser, 1000)
	second := l.Append("hi there", SenderBot, 999)
	third := l.Append("later", SenderUser, 5000)

	require.Equal(t, int64(1001), first.ID)
	require.Equal(t, int64(1002), second.ID)
	require.Equal(t, int64(5000), third.ID)
	require.Len(t, l.Messages, 4)
	require.Equal(t, "hello", l.Messages[1].Text)
	require.Equal(t, SenderBot, l.Messages[2].Sender)
}

func TestToggleKeepsHistory(t *testing.T) {
	l := NewLog(1)
	l.Append("hello", SenderUser, 2)

	require.True(t, l.Toggle())
	require.False(t, l.Toggle())
	require.Len(t, l.Messages, 2)
}

func TestAnswer(t *testing.T) {
	tests := []struct {
		name   string
		client *stubClient
		want   string
	}{
		{"success", &stubClient{reply: Reply{Success: true, Response: "Plant rice in monsoon."}}, "Plant rice in monsoon."},
		{"reported failure", &stubClient{reply: Reply{Success: false, Response: "boom"}}, ReplyReportedFailure},
		{"empty response", &stubClient{reply: Reply{Success: true}}, ReplyReportedFailure},
		{"unreachable", &stubClient{err: errors.New("connection refused")}, ReplyUnreachable},
	}
	for _, tc := range tests {
		ch := NewChannel(tc.client, slog.New(slog.NewTextHandler(io.Discard, nil)))
		got := ch.Answer(context.Background(), "http://svc/api", "which crop?")
		require.Equal(t, tc.want, got, tc.name)
		require.Equal(t, "which crop?", tc.client.lastQuery, tc.name)
	}
}

type stubClient struct {
	reply     Reply
	err       error
	lastQuery string
}

func (s *stubClient) Chat(_ context.Context, _ string, query string) (Reply, error) {
	s.lastQuery = query
	return s.reply, s.err
}
