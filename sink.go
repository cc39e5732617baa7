package gcalnotify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"

	"github.com/Songmu/flextime"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/mashiike/gcalnotify/pkg/gcalevent"
)

// SinkOption contains configuration for classified-event delivery.
//
// Supported sink types:
//   - "eventbridge": Sends events to Amazon EventBridge (default, recommended for production)
//   - "file": Writes events to a local JSON file (suitable for development)
type SinkOption struct {
	Type      string `help:"sink type" default:"eventbridge" enum:"eventbridge,file" env:"GCALNOTIFY_SINK_TYPE"`
	EventBus  string `help:"event bus name (eventbridge type only)" default:"default" env:"GCALNOTIFY_EVENTBRIDGE_EVENT_BUS"`
	EventFile string `help:"event file path (file type only)" default:"gcalnotify.json" env:"GCALNOTIFY_EVENT_FILE"`
}

// EventSink delivers classified calendar events to downstream systems.
type EventSink interface {
	// SendEvents delivers a batch of classified events for the given channel.
	SendEvents(context.Context, *ChannelItem, []*gcalevent.Detail) error
}

// NewEventSink creates an EventSink implementation based on the configuration
// type. Returns [EventBridgeSink] for "eventbridge" or [FileSink] for "file".
func NewEventSink(ctx context.Context, cfg SinkOption) (EventSink, error) {
	switch cfg.Type {
	case "eventbridge":
		return NewEventBridgeSink(ctx, cfg)
	case "file":
		return NewFileSink(ctx, cfg)
	}
	return nil, errors.New("unknown sink type")
}

// EventBridgeClient is the interface for Amazon EventBridge operations.
// This is satisfied by *eventbridge.Client.
type EventBridgeClient interface {
	PutEvents(ctx context.Context, params *eventbridge.PutEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

// EventBridgeSink implements EventSink using Amazon EventBridge.
//
// Each classified calendar event is sent as a separate EventBridge event
// with detail-type indicating the classification (e.g., "Event Created",
// "Event Cancelled").
type EventBridgeSink struct {
	client   EventBridgeClient
	eventBus string
}

// NewEventBridgeSink creates a new EventBridge-based sink.
func NewEventBridgeSink(_ context.Context, cfg SinkOption) (*EventBridgeSink, error) {
	awsCfg, err := loadAWSConfig()
	if err != nil {
		return nil, err
	}
	return &EventBridgeSink{
		client:   eventbridge.NewFromConfig(awsCfg),
		eventBus: cfg.EventBus,
	}, nil
}

func (n *EventBridgeSink) SendEvents(ctx context.Context, item *ChannelItem, details []*gcalevent.Detail) error {
	source := fmt.Sprintf("oss.gcalnotify/%s", item.CalendarID)
	convertor := func(d *gcalevent.Detail) types.PutEventsRequestEntry {
		t := flextime.Now()
		if d.Event != nil && d.Event.Updated != "" {
			if parsed, err := parseEventTime(d.Event.Updated); err == nil && !parsed.IsZero() {
				t = parsed
			}
		}
		bs, err := json.Marshal(d)
		if err != nil {
			slog.WarnContext(ctx, "detail marshal failed", "error", err)
			bs = []byte("{}")
		}
		detail := string(bs)
		detailType := detailTypeOf(d)
		slog.DebugContext(ctx, "event", "source", source, "detail-type", detailType, "detail", detail)
		return types.PutEventsRequestEntry{
			EventBusName: aws.String(n.eventBus),
			Resources:    []string{},
			Source:       aws.String(source),
			DetailType:   aws.String(detailType),
			Time:         aws.Time(t),
			Detail:       aws.String(detail),
		}
	}
	var lastErr error
	for entries := range slices.Chunk(Map(details, convertor), 10) {
		output, err := n.client.PutEvents(ctx, &eventbridge.PutEventsInput{
			Entries: entries,
		})
		if err != nil {
			slog.ErrorContext(ctx, "PutEvents failed", "error", err)
			lastErr = err
			continue
		}
		for i, entry := range output.Entries {
			if entry.ErrorCode != nil {
				slog.ErrorContext(ctx, "put event error", "event_bus", n.eventBus, "error_code", *entry.ErrorCode, "error_message", *entry.ErrorMessage, "detail", *entries[i].Detail)
				lastErr = fmt.Errorf("put events failed error_code=%s, error_message=%s", *entry.ErrorCode, *entry.ErrorMessage)
				continue
			}
			if entry.EventId != nil {
				slog.InfoContext(ctx, "put event", "event_bus", n.eventBus, "event_id", *entry.EventId)
			}
		}
	}
	return lastErr
}

func detailTypeOf(d *gcalevent.Detail) string {
	switch d.Kind {
	case EventKindCreated.String():
		return DetailTypeEventCreated
	case EventKindUpdated.String():
		return DetailTypeEventUpdated
	case EventKindDeleted.String():
		return DetailTypeEventCancelled
	default:
		return "Unexpected Change"
	}
}

// FileSink implements EventSink by writing events to a local JSON file.
//
// This is suitable for development and debugging. Events are appended to the
// file as newline-delimited JSON (NDJSON format).
type FileSink struct {
	eventFile string
}

// NewFileSink creates a new file-based sink.
func NewFileSink(_ context.Context, cfg SinkOption) (*FileSink, error) {
	return &FileSink{
		eventFile: cfg.EventFile,
	}, nil
}

func (n *FileSink) SendEvents(ctx context.Context, item *ChannelItem, details []*gcalevent.Detail) error {
	fp, err := os.OpenFile(n.eventFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		slog.DebugContext(ctx, "can not create event file", "event_file", n.eventFile, "error", err)
		return err
	}
	defer fp.Close()
	encoder := json.NewEncoder(fp)
	slog.InfoContext(ctx, "output classified events", "event_file", n.eventFile, "calendar_id", item.CalendarID)
	var lastErr error
	for _, d := range details {
		var eventID string
		if d.Event != nil {
			eventID = d.Event.ID
		}
		slog.DebugContext(ctx, "output classified event", "kind", coalesce(d.Kind, "-"), "event_id", coalesce(eventID, "-"), "calendar_id", coalesce(d.CalendarID, "-"))
		if err := encoder.Encode(d); err != nil {
			lastErr = err
			slog.WarnContext(ctx, "FileSink.SendEvents", "error", err)
		}
	}
	return lastErr
}
