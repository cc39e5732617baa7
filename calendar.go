package gcalnotify

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/api/calendar/v3"
)

const (
	// DefaultCalendarID addresses the authenticated user's primary calendar.
	DefaultCalendarID = "primary"

	defaultPageSize = 100
)

// EventStatusCancelled is the status the Calendar API puts on deleted events
// returned by an incremental listing.
const EventStatusCancelled = "cancelled"

// Event is the typed form of a calendar event record, reduced to the fields
// needed for sequencing, classification and delivery.
type Event struct {
	ID          string
	CalendarID  string
	Status      string
	Summary     string
	Description string
	Location    string
	HTMLLink    string
	Etag        string
	Created     time.Time
	Updated     time.Time
	Start       *calendar.EventDateTime
	End         *calendar.EventDateTime
	Recurrence  []string
	Organizer   *calendar.EventOrganizer
}

// Calendar is the typed form of a calendar-list record.
type Calendar struct {
	ID          string
	Summary     string
	Description string
	TimeZone    string
	Primary     bool
}

func convertEvent(calendarID string) func(*calendar.Event) (Event, error) {
	return func(raw *calendar.Event) (Event, error) {
		if raw == nil {
			return Event{}, fmt.Errorf("nil event record")
		}
		if raw.Id == "" {
			return Event{}, fmt.Errorf("event record has no id")
		}
		created, err := parseEventTime(raw.Created)
		if err != nil {
			return Event{}, fmt.Errorf("event %s created time: %w", raw.Id, err)
		}
		updated, err := parseEventTime(raw.Updated)
		if err != nil {
			return Event{}, fmt.Errorf("event %s updated time: %w", raw.Id, err)
		}
		return Event{
			ID:          raw.Id,
			CalendarID:  calendarID,
			Status:      raw.Status,
			Summary:     raw.Summary,
			Description: raw.Description,
			Location:    raw.Location,
			HTMLLink:    raw.HtmlLink,
			Etag:        raw.Etag,
			Created:     created,
			Updated:     updated,
			Start:       raw.Start,
			End:         raw.End,
			Recurrence:  raw.Recurrence,
			Organizer:   raw.Organizer,
		}, nil
	}
}

// parseEventTime parses an RFC3339 timestamp from the API. Cancelled events
// arrive stripped down to id and status, so an empty value is not an error.
func parseEventTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, value)
}

func convertCalendar(raw *calendar.CalendarListEntry) (Calendar, error) {
	if raw == nil {
		return Calendar{}, fmt.Errorf("nil calendar record")
	}
	if raw.Id == "" {
		return Calendar{}, fmt.Errorf("calendar record has no id")
	}
	return Calendar{
		ID:          raw.Id,
		Summary:     raw.Summary,
		Description: raw.Description,
		TimeZone:    raw.TimeZone,
		Primary:     raw.Primary,
	}, nil
}

// NewEventsPageFetcher returns a PageFetcher over events:list for one
// calendar. ShowDeleted is always set so cancelled events reach the
// classifier.
func NewEventsPageFetcher(svc *calendar.Service, calendarID string, pageSize int64) PageFetcher[*calendar.Event] {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return func(ctx context.Context, cursor Cursor) (*Page[*calendar.Event], error) {
		call := svc.Events.List(calendarID).
			ShowDeleted(true).
			MaxResults(pageSize)
		switch cursor.Kind() {
		case CursorKindPageToken:
			call = call.PageToken(cursor.Token())
		case CursorKindSyncToken:
			call = call.SyncToken(cursor.Token())
		}
		resp, err := call.Context(ctx).Do()
		if err != nil {
			return nil, fmt.Errorf("calendar API events:list calendar_id=%s: %w", calendarID, err)
		}
		return &Page[*calendar.Event]{
			Records:       resp.Items,
			NextPageToken: resp.NextPageToken,
			NextSyncToken: resp.NextSyncToken,
		}, nil
	}
}

// NewCalendarsPageFetcher returns a PageFetcher over the authenticated
// user's calendar list.
func NewCalendarsPageFetcher(svc *calendar.Service, pageSize int64) PageFetcher[*calendar.CalendarListEntry] {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return func(ctx context.Context, cursor Cursor) (*Page[*calendar.CalendarListEntry], error) {
		call := svc.CalendarList.List().MaxResults(pageSize)
		switch cursor.Kind() {
		case CursorKindPageToken:
			call = call.PageToken(cursor.Token())
		case CursorKindSyncToken:
			call = call.SyncToken(cursor.Token())
		}
		resp, err := call.Context(ctx).Do()
		if err != nil {
			return nil, fmt.Errorf("calendar API calendarList:list: %w", err)
		}
		return &Page[*calendar.CalendarListEntry]{
			Records:       resp.Items,
			NextPageToken: resp.NextPageToken,
			NextSyncToken: resp.NextSyncToken,
		}, nil
	}
}

// EventStream opens a typed event stream for one calendar starting at cursor.
func (app *App) EventStream(calendarID string, cursor Cursor) *Stream[*calendar.Event, Event] {
	fetch := NewEventsPageFetcher(app.calendarSvc, calendarID, app.pageSize)
	return NewStream(fetch, convertEvent(calendarID), cursor)
}

// CalendarStream opens a typed stream over the calendar list.
func (app *App) CalendarStream(cursor Cursor) *Stream[*calendar.CalendarListEntry, Calendar] {
	fetch := NewCalendarsPageFetcher(app.calendarSvc, app.pageSize)
	return NewStream(fetch, convertCalendar, cursor)
}
