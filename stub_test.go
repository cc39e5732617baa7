package gcalnotify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Songmu/flextime"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/calendar/v3"
)

type stubHandler struct {
	mu                    sync.RWMutex
	t                     *testing.T
	router                *mux.Router
	channels              map[string]calendar.Channel
	channelIdByCalendarId map[string]string
	events                map[string][]*calendar.Event

	// instrumentation for overlap detection on events:list
	eventListDelay  time.Duration
	eventListActive int32
	eventListPeak   int32

	// when set, the last page of events:list carries no nextSyncToken
	omitSyncToken bool
}

func NewStub(t *testing.T) (*httptest.Server, *stubHandler) {
	t.Helper()
	stub := &stubHandler{
		t:                     t,
		router:                mux.NewRouter(),
		channels:              make(map[string]calendar.Channel),
		channelIdByCalendarId: make(map[string]string),
		events:                make(map[string][]*calendar.Event),
	}
	stub.setupRoute()
	return httptest.NewServer(stub), stub
}

func (h *stubHandler) setupRoute() {
	h.router.HandleFunc("/users/me/calendarList", h.handleCalendarList).Methods(http.MethodGet)
	h.router.HandleFunc("/calendars/{calendarId}/events", h.handleEventList).Methods(http.MethodGet)
	h.router.HandleFunc("/calendars/{calendarId}/events/watch", h.handleWatch).Methods(http.MethodPost)
	h.router.HandleFunc("/channels/stop", h.handleStop).Methods(http.MethodPost)
}

func (h *stubHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (*stubHandler) handleCalendarList(w http.ResponseWriter, r *http.Request) {
	var resp calendar.CalendarList
	if pageToken := r.URL.Query().Get("pageToken"); pageToken == "next" {
		resp = calendar.CalendarList{
			Items: []*calendar.CalendarListEntry{
				{Id: "team@example.com", Summary: "Team", Kind: "calendar#calendarListEntry"},
			},
		}
	} else if pageToken == "" {
		resp = calendar.CalendarList{
			Items: []*calendar.CalendarListEntry{
				{Id: "primary", Summary: "Primary", Primary: true, Kind: "calendar#calendarListEntry"},
			},
			NextPageToken: "next",
		}
	} else {
		http.Error(w, "invalid page token", http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}

// handleEventList serves events:list with integer-index tokens: both page
// and sync tokens are offsets into the calendar's event history, so an
// incremental pull returns exactly the events appended since the token was
// issued.
func (h *stubHandler) handleEventList(w http.ResponseWriter, r *http.Request) {
	active := atomic.AddInt32(&h.eventListActive, 1)
	defer atomic.AddInt32(&h.eventListActive, -1)
	if active > atomic.LoadInt32(&h.eventListPeak) {
		atomic.StoreInt32(&h.eventListPeak, active)
	}
	if h.eventListDelay > 0 {
		time.Sleep(h.eventListDelay)
	}
	calendarId := mux.Vars(r)["calendarId"]
	events, _ := h.getEvents(calendarId)
	start := 0
	token := r.URL.Query().Get("syncToken")
	if token == "" {
		token = r.URL.Query().Get("pageToken")
	}
	if token != "" {
		index, err := strconv.Atoi(token)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		start = index
	}
	if start > len(events) {
		start = len(events)
	}
	end := start + 2
	resp := calendar.Events{
		Kind: "calendar#events",
	}
	if end < len(events) {
		resp.Items = events[start:end]
		resp.NextPageToken = strconv.Itoa(end)
	} else {
		resp.Items = events[start:]
		if !h.omitSyncToken {
			resp.NextSyncToken = strconv.Itoa(len(events))
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	err := json.NewEncoder(w).Encode(resp)
	require.NoError(h.t, err)
}

func (h *stubHandler) handleWatch(w http.ResponseWriter, r *http.Request) {
	calendarId := mux.Vars(r)["calendarId"]
	var payload calendar.Channel
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	uuidObj, err := uuid.NewRandom()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	payload.ResourceId = uuidObj.String()
	payload.ResourceUri = "https://www.googleapis.com/calendar/v3/calendars/" + calendarId + "/events"
	payload.Expiration = flextime.Now().Add(24 * 7 * time.Hour).UnixMilli()
	payload.Type = "web_hook"
	payload.Kind = "api#channel"
	h.setChannel(calendarId, payload)
	h.sendNotification(payload.Id, ResourceStateSync)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	err = json.NewEncoder(w).Encode(payload)
	require.NoError(h.t, err)
}

func (h *stubHandler) handleStop(w http.ResponseWriter, r *http.Request) {
	var payload calendar.Channel
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	_, ok := h.channels[payload.Id]
	if ok {
		delete(h.channels, payload.Id)
	}
	h.mu.Unlock()
	if !ok {
		http.Error(w, `{"error":{"code":404,"message":"Channel not found"}}`, http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *stubHandler) setChannel(calendarId string, channel calendar.Channel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.channels[channel.Id] = channel
	h.channelIdByCalendarId[calendarId] = channel.Id
}

func (h *stubHandler) getChannel(channelId string) (calendar.Channel, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	channel, ok := h.channels[channelId]
	return channel, ok
}

func (h *stubHandler) getChannelByCalendarId(calendarId string) (calendar.Channel, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	channelId, ok := h.channelIdByCalendarId[calendarId]
	if !ok {
		return calendar.Channel{}, false
	}
	channel, ok := h.channels[channelId]
	return channel, ok
}

func (h *stubHandler) getEvents(calendarId string) ([]*calendar.Event, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	events, ok := h.events[calendarId]
	return events, ok
}

func (h *stubHandler) sendNotification(channelId string, state string) {
	channel, ok := h.getChannel(channelId)
	if !ok {
		h.t.Error("sendNotification but channel not found")
		return
	}
	req, err := http.NewRequest(http.MethodPost, channel.Address, nil)
	if err != nil {
		h.t.Error("failed to create request", err)
		return
	}
	req.Header.Set("X-Goog-Channel-Id", channel.Id)
	req.Header.Set("X-Goog-Channel-Token", channel.Token)
	req.Header.Set("X-Goog-Resource-Id", channel.ResourceId)
	req.Header.Set("X-Goog-Resource-State", state)
	req.Header.Set("User-Agent", "APIs-Google;")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		h.t.Error("failed to send notification", err)
		return
	}
	resp.Body.Close()
	require.Equal(h.t, http.StatusOK, resp.StatusCode)
}

func (h *stubHandler) appendEvents(calendarId string, events []*calendar.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events[calendarId] = append(h.events[calendarId], events...)
}

// AppendEvents adds events to the calendar's history and notifies the
// registered channel, the way the real API does after a change.
func (h *stubHandler) AppendEvents(calendarId string, events ...*calendar.Event) {
	h.appendEvents(calendarId, events)
	channel, ok := h.getChannelByCalendarId(calendarId)
	if !ok {
		return
	}
	h.sendNotification(channel.Id, ResourceStateExists)
}
