// Package gcalevent provides types for gcalnotify EventBridge event payloads.
// These types can be used in Lambda functions to unmarshal gcalnotify events.
//
//	func handler(ctx context.Context, event gcalevent.Event) error {
//	    fmt.Println(event.DetailType)
//	    fmt.Println(event.Detail.Subject)
//	}
package gcalevent

import "time"

// Event represents the full EventBridge event from gcalnotify.
type Event struct {
	Version    string    `json:"version"`
	ID         string    `json:"id"`
	DetailType string    `json:"detail-type"`
	Source     string    `json:"source"`
	AccountID  string    `json:"account"`
	Time       time.Time `json:"time"`
	Region     string    `json:"region"`
	Resources  []string  `json:"resources"`
	Detail     Detail    `json:"detail"`
}

// Detail is the event detail payload.
type Detail struct {
	Subject    string         `json:"subject"`
	Kind       string         `json:"kind"`
	CalendarID string         `json:"calendarId"`
	Event      *CalendarEvent `json:"event,omitempty"`
	Organizer  *User          `json:"organizer,omitempty"`
}

// CalendarEvent represents a Google Calendar event.
type CalendarEvent struct {
	ID          string     `json:"id"`
	Status      string     `json:"status"`
	Summary     string     `json:"summary,omitempty"`
	Description string     `json:"description,omitempty"`
	Location    string     `json:"location,omitempty"`
	HTMLLink    string     `json:"htmlLink,omitempty"`
	Created     string     `json:"created,omitempty"`
	Updated     string     `json:"updated,omitempty"`
	Start       *EventTime `json:"start,omitempty"`
	End         *EventTime `json:"end,omitempty"`
	Recurrence  []string   `json:"recurrence,omitempty"`
	Organizer   *User      `json:"organizer,omitempty"`
	Etag        string     `json:"etag,omitempty"`
}

// EventTime is the start or end of a calendar event. Date is set for
// all-day events, DateTime for timed events.
type EventTime struct {
	Date     string `json:"date,omitempty"`
	DateTime string `json:"dateTime,omitempty"`
	TimeZone string `json:"timeZone,omitempty"`
}

// User represents a calendar user, such as an event organizer or attendee.
type User struct {
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Self        bool   `json:"self,omitempty"`
}
