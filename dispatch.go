package gcalnotify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/Songmu/flextime"
	"github.com/mashiike/gcalnotify/pkg/gcalevent"
)

// Resource states delivered in the X-Goog-Resource-State header.
const (
	ResourceStateSync      = "sync"
	ResourceStateExists    = "exists"
	ResourceStateNotExists = "not_exists"
)

// Notification carries the fields of a push-notification request. The body
// of a Calendar push notification is empty, everything rides in headers.
type Notification struct {
	ChannelID         string
	ChannelToken      string
	ChannelExpiration string
	ResourceID        string
	ResourceState     string
	MessageNumber     string
}

// NotificationFromRequest extracts the X-Goog-* headers of a webhook request.
func NotificationFromRequest(r *http.Request) Notification {
	return Notification{
		ChannelID:         r.Header.Get("X-Goog-Channel-Id"),
		ChannelToken:      r.Header.Get("X-Goog-Channel-Token"),
		ChannelExpiration: r.Header.Get("X-Goog-Channel-Expiration"),
		ResourceID:        r.Header.Get("X-Goog-Resource-Id"),
		ResourceState:     r.Header.Get("X-Goog-Resource-State"),
		MessageNumber:     r.Header.Get("X-Goog-Message-Number"),
	}
}

// UnrecognizedChannelError reports a notification for a channel that is not
// in storage, usually one that was already stopped.
type UnrecognizedChannelError struct {
	ChannelID string
}

func (e *UnrecognizedChannelError) Error() string {
	return fmt.Sprintf("unrecognized channel: channel_id=%s", e.ChannelID)
}

// ChannelTokenMismatchError reports a notification whose channel token does
// not match the stored one. Such notifications are not trusted.
type ChannelTokenMismatchError struct {
	ChannelID string
}

func (e *ChannelTokenMismatchError) Error() string {
	return fmt.Sprintf("channel token mismatch: channel_id=%s", e.ChannelID)
}

// MissingSyncTokenError reports an incremental pull that exhausted the event
// stream without surfacing a next sync token. The stored sync state is left
// untouched so the next notification retries the pull.
type MissingSyncTokenError struct {
	ChannelID  string
	CalendarID string
}

func (e *MissingSyncTokenError) Error() string {
	return fmt.Sprintf("no sync token surfaced: channel_id=%s calendar_id=%s", e.ChannelID, e.CalendarID)
}

// EventCallbacks are invoked once per classified event, before the event is
// forwarded to the sink. A callback returning an error does not stop
// delivery of the remaining events.
type EventCallbacks struct {
	OnCreated func(ctx context.Context, event Event) error
	OnUpdated func(ctx context.Context, event Event) error
	OnDeleted func(ctx context.Context, event Event) error
}

// keyedMutex hands out one mutex per key. Used to serialize pulls per
// channel so concurrent notifications do not race on the sync token.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{
		locks: make(map[string]*sync.Mutex),
	}
}

func (m *keyedMutex) Lock(key string) func() {
	m.mu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// HandleNotification is the dispatcher core. It validates the notification
// against storage, acknowledges sync handshakes, and for state changes runs
// one incremental pull under the channel's lock.
func (app *App) HandleNotification(ctx context.Context, n Notification) error {
	// the sync handshake arrives before the watch response returns, the
	// channel may not be saved yet, so it is acknowledged without validation.
	// the lookup here is best-effort, only to flag handshakes for channels
	// this instance never created
	if n.ResourceState == ResourceStateSync {
		if _, err := app.storage.FindOneByChannelID(ctx, n.ChannelID); err != nil {
			slog.WarnContext(ctx, "sync handshake for unknown channel",
				"channel_id", n.ChannelID,
				"resource_id", n.ResourceID,
				"channel_expiration", n.ChannelExpiration,
			)
		} else {
			slog.InfoContext(ctx, "channel sync handshake",
				"channel_id", n.ChannelID,
				"resource_id", n.ResourceID,
				"channel_expiration", n.ChannelExpiration,
			)
		}
		return nil
	}
	item, err := app.storage.FindOneByChannelID(ctx, n.ChannelID)
	if err != nil {
		var notFound *ChannelNotFound
		if errors.As(err, &notFound) {
			return &UnrecognizedChannelError{ChannelID: n.ChannelID}
		}
		return fmt.Errorf("find channel: %w", err)
	}
	if item.Token != n.ChannelToken {
		return &ChannelTokenMismatchError{ChannelID: n.ChannelID}
	}
	unlock := app.locks.Lock(n.ChannelID)
	defer unlock()
	// the sync token may have advanced while waiting for the lock
	item, err = app.storage.FindOneByChannelID(ctx, n.ChannelID)
	if err != nil {
		var notFound *ChannelNotFound
		if errors.As(err, &notFound) {
			return &UnrecognizedChannelError{ChannelID: n.ChannelID}
		}
		return fmt.Errorf("find channel: %w", err)
	}
	return app.pullAndDispatch(ctx, item)
}

// pullAndDispatch drains one incremental pull for the channel, records the
// next sync token and hands the classified events to callbacks and sink.
// The caller must hold the channel's lock.
func (app *App) pullAndDispatch(ctx context.Context, item *ChannelItem) error {
	cursor := SyncTokenCursor(item.SyncToken)
	stream := app.EventStream(item.CalendarID, cursor)
	events, err := stream.Drain(ctx)
	if err != nil {
		return fmt.Errorf("pull events: calendar_id=%s: %w", item.CalendarID, err)
	}
	syncToken, ok := stream.SyncToken()
	if !ok {
		return &MissingSyncTokenError{
			ChannelID:  item.ChannelID,
			CalendarID: item.CalendarID,
		}
	}
	slog.InfoContext(ctx, "pulled events",
		"channel_id", item.ChannelID,
		"calendar_id", item.CalendarID,
		"events", len(events),
		"initial_pull", cursor.Kind() == CursorKindNone,
	)
	item.SyncToken = syncToken
	item.UpdatedAt = flextime.Now()
	if err := app.storage.UpdateSyncToken(ctx, item); err != nil {
		return fmt.Errorf("update sync token: %w", err)
	}
	classified := make([]ClassifiedEvent, 0, len(events))
	for _, event := range events {
		classified = append(classified, ClassifiedEvent{
			Event: event,
			Kind:  app.classifier.Classify(event),
		})
	}
	return app.deliver(ctx, item, classified)
}

// deliver invokes the user callbacks for every classified event and forwards
// the events that pass the filter rules to the sink.
func (app *App) deliver(ctx context.Context, item *ChannelItem, classified []ClassifiedEvent) error {
	details := make([]*gcalevent.Detail, 0, len(classified))
	for _, ce := range classified {
		app.invokeCallback(ctx, ce)
		detail := ConvertToDetail(ce)
		if app.filter != nil {
			ok, err := app.filter.Match(detail)
			if err != nil {
				slog.WarnContext(ctx, "filter rule evaluation failed, forwarding event",
					"calendar_id", ce.Event.CalendarID,
					"event_id", ce.Event.ID,
					"error", err,
				)
			} else if !ok {
				slog.DebugContext(ctx, "event skipped by filter rule",
					"calendar_id", ce.Event.CalendarID,
					"event_id", ce.Event.ID,
					"kind", ce.Kind,
				)
				continue
			}
		}
		details = append(details, detail)
	}
	if len(details) == 0 {
		return nil
	}
	if err := app.sink.SendEvents(ctx, item, details); err != nil {
		return fmt.Errorf("send events: %w", err)
	}
	return nil
}

func (app *App) invokeCallback(ctx context.Context, ce ClassifiedEvent) {
	var cb func(ctx context.Context, event Event) error
	switch ce.Kind {
	case EventKindCreated:
		cb = app.callbacks.OnCreated
	case EventKindUpdated:
		cb = app.callbacks.OnUpdated
	case EventKindDeleted:
		cb = app.callbacks.OnDeleted
	}
	if cb == nil {
		return
	}
	if err := cb(ctx, ce.Event); err != nil {
		slog.WarnContext(ctx, "event callback failed",
			"calendar_id", ce.Event.CalendarID,
			"event_id", ce.Event.ID,
			"kind", ce.Kind,
			"error", err,
		)
	}
}
