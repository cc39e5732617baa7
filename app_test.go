package gcalnotify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

func newTestApp(t *testing.T, stubServer *httptest.Server) (*App, Storage, string) {
	t.Helper()
	tmpDir := t.TempDir()
	ctx := context.Background()
	storage, err := NewStorage(ctx, StorageOption{
		Type:     "file",
		DataFile: filepath.Join(tmpDir, "gcalnotify.dat"),
		LockFile: filepath.Join(tmpDir, "gcalnotify.lock"),
	})
	require.NoError(t, err)
	eventFilePath := filepath.Join(tmpDir, "gcalnotify.json")
	sink, err := NewEventSink(ctx, SinkOption{
		Type:      "file",
		EventFile: eventFilePath,
	})
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.Webhook = "http://localhost"
	app, err := New(cfg, storage, sink, option.WithoutAuthentication(), option.WithEndpoint(stubServer.URL))
	require.NoError(t, err)
	return app, storage, eventFilePath
}

func TestApp(t *testing.T) {
	stubServer, stub := NewStub(t)
	defer stubServer.Close()
	app, storage, eventFilePath := newTestApp(t, stubServer)

	appServer := httptest.NewServer(app)
	defer appServer.Close()
	app.webhookAddress = appServer.URL

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/sync", nil)
	app.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	ctx := context.Background()
	item, err := findOnlyChannel(ctx, storage)
	require.NoError(t, err)
	require.Equal(t, DefaultCalendarID, item.CalendarID)
	require.Equal(t, "0", item.SyncToken, "initial full walk of an empty calendar")

	// three events at once forces a paginated pull
	stub.AppendEvents(DefaultCalendarID,
		&calendar.Event{
			Id:       "event-1",
			Etag:     "etag-1",
			Status:   "confirmed",
			Summary:  "Weekly Review",
			Location: "Room 101",
			HtmlLink: "https://calendar.example.com/event-1",
			Created:  "2024-06-01T10:00:00Z",
			Updated:  "2024-06-01T10:00:00Z",
			Start:    &calendar.EventDateTime{DateTime: "2024-06-03T09:00:00Z", TimeZone: "Etc/UTC"},
			End:      &calendar.EventDateTime{DateTime: "2024-06-03T10:00:00Z", TimeZone: "Etc/UTC"},
			Organizer: &calendar.EventOrganizer{
				Email:       "admin@example.com",
				DisplayName: "Admin",
			},
		},
		&calendar.Event{
			Id:      "event-2",
			Status:  "confirmed",
			Summary: "Planning",
			Created: "2024-06-01T11:00:00Z",
			Updated: "2024-06-01T11:00:00Z",
		},
		&calendar.Event{
			Id:      "event-3",
			Status:  "confirmed",
			Summary: "Retrospective",
			Created: "2024-06-01T12:00:00Z",
			Updated: "2024-06-01T12:00:00Z",
		},
	)
	stub.AppendEvents(DefaultCalendarID, &calendar.Event{
		Id:      "event-1",
		Etag:    "etag-2",
		Status:  "confirmed",
		Summary: "Weekly Review",
		Created: "2024-06-01T10:00:00Z",
		Updated: "2024-06-02T09:30:00Z",
	})
	stub.AppendEvents(DefaultCalendarID, &calendar.Event{
		Id:      "event-2",
		Status:  EventStatusCancelled,
		Created: "2024-06-01T11:00:00Z",
		Updated: "2024-06-02T10:00:00Z",
	})

	item, err = findOnlyChannel(ctx, storage)
	require.NoError(t, err)
	require.Equal(t, "5", item.SyncToken, "sync token advances with every pull")

	details := readSinkFile(t, eventFilePath)
	require.Len(t, details, 5)
	require.Equal(t, "created", details[0]["kind"])
	require.Equal(t, "created", details[1]["kind"])
	require.Equal(t, "created", details[2]["kind"])
	require.Equal(t, "updated", details[3]["kind"])
	require.Equal(t, "deleted", details[4]["kind"])

	g := goldie.New(
		t,
		goldie.WithFixtureDir("testdata"),
		goldie.WithNameSuffix(".golden.json"),
	)
	g.AssertJson(t, "event_created", details[0])
	g.AssertJson(t, "event_updated", details[3])
	g.AssertJson(t, "event_cancelled", details[4])
}

func TestAppNotificationErrors(t *testing.T) {
	stubServer, _ := NewStub(t)
	defer stubServer.Close()
	app, storage, _ := newTestApp(t, stubServer)

	appServer := httptest.NewServer(app)
	defer appServer.Close()
	app.webhookAddress = appServer.URL

	ctx := context.Background()
	require.NoError(t, app.CreateChannel(ctx, DefaultCalendarID))
	item, err := findOnlyChannel(ctx, storage)
	require.NoError(t, err)

	notify := func(channelID, token, state, userAgent string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.Header.Set("X-Goog-Channel-Id", channelID)
		req.Header.Set("X-Goog-Channel-Token", token)
		req.Header.Set("X-Goog-Resource-Id", item.ResourceID)
		req.Header.Set("X-Goog-Resource-State", state)
		req.Header.Set("User-Agent", userAgent)
		rr := httptest.NewRecorder()
		app.ServeHTTP(rr, req)
		return rr
	}

	rr := notify(item.ChannelID, item.Token, ResourceStateExists, "curl/8.0")
	require.Equal(t, http.StatusNotFound, rr.Code, "non-Google user agent")

	rr = notify("no-such-channel", item.Token, ResourceStateExists, "APIs-Google;")
	require.Equal(t, http.StatusNotFound, rr.Code, "unrecognized channel")

	rr = notify(item.ChannelID, "wrong-token", ResourceStateExists, "APIs-Google;")
	require.Equal(t, http.StatusForbidden, rr.Code, "channel token mismatch")

	rr = notify("no-such-channel", item.Token, ResourceStateSync, "APIs-Google;")
	require.Equal(t, http.StatusOK, rr.Code, "sync handshakes are acknowledged even before the channel is saved")

	rr = notify(item.ChannelID, item.Token, ResourceStateExists, "APIs-Google;")
	require.Equal(t, http.StatusOK, rr.Code)

	after, err := storage.FindOneByChannelID(ctx, item.ChannelID)
	require.NoError(t, err)
	require.Equal(t, "0", after.SyncToken, "only the valid notification advanced sync state")
}

func TestAppEventCallbacks(t *testing.T) {
	stubServer, stub := NewStub(t)
	defer stubServer.Close()
	app, _, eventFilePath := newTestApp(t, stubServer)

	appServer := httptest.NewServer(app)
	defer appServer.Close()
	app.webhookAddress = appServer.URL

	var mu sync.Mutex
	var calls []string
	record := func(kind string, event Event) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, kind+":"+event.ID)
	}
	app.SetEventCallbacks(EventCallbacks{
		OnCreated: func(_ context.Context, event Event) error {
			record("created", event)
			if event.ID == "event-1" {
				return errors.New("downstream unavailable")
			}
			return nil
		},
		OnUpdated: func(_ context.Context, event Event) error {
			record("updated", event)
			return nil
		},
		OnDeleted: func(_ context.Context, event Event) error {
			record("deleted", event)
			return nil
		},
	})

	ctx := context.Background()
	require.NoError(t, app.CreateChannel(ctx, DefaultCalendarID))
	stub.AppendEvents(DefaultCalendarID,
		&calendar.Event{
			Id:      "event-1",
			Status:  "confirmed",
			Summary: "Weekly Review",
			Created: "2024-06-01T10:00:00Z",
			Updated: "2024-06-01T10:00:00Z",
		},
		&calendar.Event{
			Id:      "event-2",
			Status:  "confirmed",
			Summary: "Planning",
			Created: "2024-06-01T11:00:00Z",
			Updated: "2024-06-01T11:00:00Z",
		},
	)
	stub.AppendEvents(DefaultCalendarID, &calendar.Event{
		Id:      "event-1",
		Status:  "confirmed",
		Summary: "Weekly Review",
		Created: "2024-06-01T10:00:00Z",
		Updated: "2024-06-02T09:30:00Z",
	})
	stub.AppendEvents(DefaultCalendarID, &calendar.Event{
		Id:      "event-2",
		Status:  EventStatusCancelled,
		Created: "2024-06-01T11:00:00Z",
		Updated: "2024-06-02T10:00:00Z",
	})

	require.Equal(t, []string{
		"created:event-1",
		"created:event-2",
		"updated:event-1",
		"deleted:event-2",
	}, calls, "one callback per classified event, a failing callback does not stop the batch")

	details := readSinkFile(t, eventFilePath)
	require.Len(t, details, 4, "the failing callback must not block sink delivery")
	require.Equal(t, "created", details[0]["kind"])
	require.Equal(t, "event-1", details[0]["event"].(map[string]interface{})["id"])
}

func TestAppMissingSyncTokenDoesNotAdvance(t *testing.T) {
	stubServer, stub := NewStub(t)
	defer stubServer.Close()
	app, storage, eventFilePath := newTestApp(t, stubServer)

	appServer := httptest.NewServer(app)
	defer appServer.Close()
	app.webhookAddress = appServer.URL

	ctx := context.Background()
	require.NoError(t, app.CreateChannel(ctx, DefaultCalendarID))
	item, err := findOnlyChannel(ctx, storage)
	require.NoError(t, err)
	require.NoError(t, app.HandleNotification(ctx, Notification{
		ChannelID:     item.ChannelID,
		ChannelToken:  item.Token,
		ResourceState: ResourceStateExists,
	}))
	item, err = storage.FindOneByChannelID(ctx, item.ChannelID)
	require.NoError(t, err)
	require.Equal(t, "0", item.SyncToken)

	stub.omitSyncToken = true
	stub.appendEvents(DefaultCalendarID, []*calendar.Event{{
		Id:      "event-1",
		Status:  "confirmed",
		Created: "2024-06-01T10:00:00Z",
		Updated: "2024-06-01T10:00:00Z",
	}})
	err = app.HandleNotification(ctx, Notification{
		ChannelID:     item.ChannelID,
		ChannelToken:  item.Token,
		ResourceState: ResourceStateExists,
	})
	var missing *MissingSyncTokenError
	require.ErrorAs(t, err, &missing)
	require.Equal(t, item.ChannelID, missing.ChannelID)
	require.Equal(t, DefaultCalendarID, missing.CalendarID)

	after, err := storage.FindOneByChannelID(ctx, item.ChannelID)
	require.NoError(t, err)
	require.Equal(t, "0", after.SyncToken, "stored sync state stays put so the next pull retries the same range")
	_, err = os.Stat(eventFilePath)
	require.True(t, os.IsNotExist(err), "nothing is delivered when the pull fails")
}

func TestAppConcurrentNotificationsSerialized(t *testing.T) {
	stubServer, stub := NewStub(t)
	defer stubServer.Close()
	app, storage, _ := newTestApp(t, stubServer)

	appServer := httptest.NewServer(app)
	defer appServer.Close()
	app.webhookAddress = appServer.URL

	ctx := context.Background()
	require.NoError(t, app.CreateChannel(ctx, DefaultCalendarID))
	item, err := findOnlyChannel(ctx, storage)
	require.NoError(t, err)

	stub.eventListDelay = 5 * time.Millisecond
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := app.HandleNotification(ctx, Notification{
				ChannelID:     item.ChannelID,
				ChannelToken:  item.Token,
				ResourceState: ResourceStateExists,
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, atomic.LoadInt32(&stub.eventListPeak),
		"pulls for one channel must never overlap")
}

func TestAppDeleteChannelIdempotent(t *testing.T) {
	stubServer, _ := NewStub(t)
	defer stubServer.Close()
	app, storage, _ := newTestApp(t, stubServer)

	appServer := httptest.NewServer(app)
	defer appServer.Close()
	app.webhookAddress = appServer.URL

	ctx := context.Background()
	require.NoError(t, app.CreateChannel(ctx, DefaultCalendarID))
	item, err := findOnlyChannel(ctx, storage)
	require.NoError(t, err)

	require.NoError(t, app.DeleteChannel(ctx, item))
	// the remote answers 404 for an already stopped channel
	require.NoError(t, app.DeleteChannel(ctx, item))

	_, err = storage.FindOneByChannelID(ctx, item.ChannelID)
	var notFound *ChannelNotFound
	require.ErrorAs(t, err, &notFound)
}

func TestAppRotateChannelCarriesSyncState(t *testing.T) {
	stubServer, stub := NewStub(t)
	defer stubServer.Close()
	app, storage, _ := newTestApp(t, stubServer)

	appServer := httptest.NewServer(app)
	defer appServer.Close()
	app.webhookAddress = appServer.URL

	ctx := context.Background()
	stub.AppendEvents(DefaultCalendarID, &calendar.Event{
		Id:      "event-1",
		Status:  "confirmed",
		Created: "2024-06-01T10:00:00Z",
		Updated: "2024-06-01T10:00:00Z",
	})
	require.NoError(t, app.CreateChannel(ctx, DefaultCalendarID))
	old, err := findOnlyChannel(ctx, storage)
	require.NoError(t, err)
	require.NoError(t, app.HandleNotification(ctx, Notification{
		ChannelID:     old.ChannelID,
		ChannelToken:  old.Token,
		ResourceState: ResourceStateExists,
	}))
	old, err = storage.FindOneByChannelID(ctx, old.ChannelID)
	require.NoError(t, err)
	require.Equal(t, "1", old.SyncToken)

	require.NoError(t, app.RotateChannel(ctx, old))

	renewed, err := findOnlyChannel(ctx, storage)
	require.NoError(t, err)
	require.NotEqual(t, old.ChannelID, renewed.ChannelID)
	require.Equal(t, "1", renewed.SyncToken, "renewal must not lose incremental sync state")

	_, err = storage.FindOneByChannelID(ctx, old.ChannelID)
	var notFound *ChannelNotFound
	require.ErrorAs(t, err, &notFound)
}

func findOnlyChannel(ctx context.Context, storage Storage) (*ChannelItem, error) {
	itemsCh, err := storage.FindAllChannels(ctx)
	if err != nil {
		return nil, err
	}
	var found *ChannelItem
	for items := range itemsCh {
		for _, item := range items {
			found = item
		}
	}
	if found == nil {
		return nil, &ChannelNotFound{}
	}
	return found, nil
}

func readSinkFile(t *testing.T, path string) []map[string]interface{} {
	t.Helper()
	bs, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(bs)), "\n")
	details := make([]map[string]interface{}, 0, len(lines))
	for _, line := range lines {
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		details = append(details, m)
	}
	return details
}
