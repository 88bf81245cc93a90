package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/awickham/exitbot/internal/domain"
)

type recordSender struct {
	name     string
	err      error
	titles   []string
	messages []string
}

func (r *recordSender) Send(_ context.Context, title, message string) error {
	r.titles = append(r.titles, title)
	r.messages = append(r.messages, message)
	return r.err
}

func (r *recordSender) Name() string { return r.name }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifyFormatsClosedEvent(t *testing.T) {
	s := &recordSender{name: "test"}
	n := NewNotifier([]Sender{s}, nil, testLogger())

	err := n.Notify(context.Background(), domain.Event{
		Type:   domain.EventPositionClosed,
		Symbol: "BTC-USD",
		Reason: string(domain.CloseTrailingStop),
		Price:  101.24,
		PnL:    6.15,
		At:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	})

	require.NoError(t, err)
	require.Len(t, s.titles, 1)
	assert.Equal(t, "Position closed", s.titles[0])
	assert.Contains(t, s.messages[0], "BTC-USD")
	assert.Contains(t, s.messages[0], "trailing stop")
	assert.Contains(t, s.messages[0], "+6.15 USD")
}

func TestNotifyFiltersEventTypes(t *testing.T) {
	s := &recordSender{name: "test"}
	n := NewNotifier([]Sender{s}, []string{domain.EventPositionClosed}, testLogger())

	require.NoError(t, n.Notify(context.Background(), domain.Event{Type: domain.EventPositionOpened}))
	assert.Empty(t, s.titles, "filtered event should not be delivered")

	require.NoError(t, n.Notify(context.Background(), domain.Event{Type: domain.EventPositionClosed}))
	assert.Len(t, s.titles, 1)
}

func TestAnnounceBypassesFilter(t *testing.T) {
	s := &recordSender{name: "test"}
	n := NewNotifier([]Sender{s}, []string{domain.EventPositionClosed}, testLogger())

	require.NoError(t, n.Announce(context.Background(), "Engine started", "paper mode"))
	require.Len(t, s.titles, 1)
	assert.Equal(t, "Engine started", s.titles[0])
}

func TestDispatchDeliversPastFailedSender(t *testing.T) {
	bad := &recordSender{name: "bad", err: errors.New("boom")}
	good := &recordSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, testLogger())

	err := n.Notify(context.Background(), domain.Event{Type: domain.EventFeedStale, Symbol: "ETH-USD"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad")
	assert.Len(t, good.titles, 1, "remaining senders still receive the message")
}

func TestNotifyNoSenders(t *testing.T) {
	n := NewNotifier(nil, nil, testLogger())
	assert.NoError(t, n.Notify(context.Background(), domain.Event{Type: domain.EventCloseFailed}))
}
