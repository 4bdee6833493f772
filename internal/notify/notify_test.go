package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordSender struct {
	name  string
	err   error
	calls []string
}

func (r *recordSender) Send(_ context.Context, title, _ string) error {
	r.calls = append(r.calls, title)
	return r.err
}

func (r *recordSender) Name() string { return r.name }

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNotifierFiltersEvents(t *testing.T) {
	s := &recordSender{name: "rec"}
	n := NewNotifier([]Sender{s}, []string{EventSyncFailed, " "}, discard())

	require.NoError(t, n.Notify(context.Background(), EventOperationSucceeded, "ok", ""))
	require.NoError(t, n.Notify(context.Background(), EventSyncFailed, "sync", ""))
	assert.Equal(t, []string{"sync"}, s.calls)
}

func TestNotifierContinuesPastFailure(t *testing.T) {
	bad := &recordSender{name: "bad", err: errors.New("boom")}
	good := &recordSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, discard())

	err := n.Notify(context.Background(), EventOperationFailed, "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: boom")
	assert.Len(t, good.calls, 1)
	assert.True(t, n.Enabled())
}

func TestTelegramSenderPosts(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bottok/sendMessage", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	s := NewTelegramSender("tok", "42")
	s.baseURL = srv.URL + "/bottok"
	require.NoError(t, s.Send(context.Background(), "Title", "body"))
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "*Title*\nbody", got["text"])
}

func TestDiscordSenderStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 400")
}
