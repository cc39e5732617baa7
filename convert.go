package gcalnotify

import (
	"fmt"
	"time"

	"github.com/mashiike/gcalnotify/pkg/gcalevent"
	"google.golang.org/api/calendar/v3"
)

// ConvertToDetail converts a classified event to a gcalevent.Detail with
// Subject, Kind and Organizer populated.
func ConvertToDetail(ce ClassifiedEvent) *gcalevent.Detail {
	ev := ce.Event
	detail := &gcalevent.Detail{
		Kind:       ce.Kind.String(),
		CalendarID: ev.CalendarID,
		Event:      convertCalendarEvent(ev),
		Organizer:  convertOrganizer(ev.Organizer),
	}
	title := ev.Summary
	if title == "" {
		title = ev.ID
	}
	switch ce.Kind {
	case EventKindCreated:
		if ev.Organizer != nil {
			detail.Subject = fmt.Sprintf("Event %s (%s) created by %s at %s", title, ev.ID, formatOrganizer(ev.Organizer), formatTime(ev.Created))
		} else {
			detail.Subject = fmt.Sprintf("Event %s (%s) created at %s", title, ev.ID, formatTime(ev.Created))
		}
	case EventKindUpdated:
		if ev.Organizer != nil {
			detail.Subject = fmt.Sprintf("Event %s (%s) updated by %s at %s", title, ev.ID, formatOrganizer(ev.Organizer), formatTime(ev.Updated))
		} else {
			detail.Subject = fmt.Sprintf("Event %s (%s) updated at %s", title, ev.ID, formatTime(ev.Updated))
		}
	case EventKindDeleted:
		detail.Subject = fmt.Sprintf("Event %s was cancelled at %s", ev.ID, formatTime(ev.Updated))
	}
	return detail
}

func convertCalendarEvent(ev Event) *gcalevent.CalendarEvent {
	return &gcalevent.CalendarEvent{
		ID:          ev.ID,
		Status:      ev.Status,
		Summary:     ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
		HTMLLink:    ev.HTMLLink,
		Created:     formatTime(ev.Created),
		Updated:     formatTime(ev.Updated),
		Start:       convertEventTime(ev.Start),
		End:         convertEventTime(ev.End),
		Recurrence:  ev.Recurrence,
		Organizer:   convertOrganizer(ev.Organizer),
		Etag:        ev.Etag,
	}
}

func convertEventTime(t *calendar.EventDateTime) *gcalevent.EventTime {
	if t == nil {
		return nil
	}
	return &gcalevent.EventTime{
		Date:     t.Date,
		DateTime: t.DateTime,
		TimeZone: t.TimeZone,
	}
}

func convertOrganizer(o *calendar.EventOrganizer) *gcalevent.User {
	if o == nil {
		return nil
	}
	return &gcalevent.User{
		Email:       o.Email,
		DisplayName: o.DisplayName,
		Self:        o.Self,
	}
}

func formatOrganizer(o *calendar.EventOrganizer) string {
	if o == nil {
		return "Unknown User"
	}
	if o.DisplayName == "" {
		return o.Email
	}
	if o.Email == "" {
		return o.DisplayName
	}
	return fmt.Sprintf("%s [%s]", o.DisplayName, o.Email)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
