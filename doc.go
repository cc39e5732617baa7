// Package gcalnotify provides a Google Calendar push notification system for AWS.
//
// gcalnotify watches Google Calendar event collections using the Push
// Notifications API and forwards created, updated and cancelled events to
// Amazon EventBridge. It manages watch channels, handles webhook callbacks
// from Google Calendar, and keeps channel and sync-token state in DynamoDB
// or local file storage.
//
// # Architecture
//
// The package consists of four main components:
//
//   - [Stream]: Pull-based paginated walk over Calendar API collections,
//     driven by page and sync tokens
//   - [App]: Core application that coordinates channel management and
//     notification dispatch
//   - [Storage]: Persistent storage for watch channel state (DynamoDB or
//     file-based)
//   - [EventSink]: Event delivery to downstream systems (EventBridge or
//     file-based)
//
// # Usage
//
// For CLI usage, create a [CLI] instance and call Run:
//
//	var cli gcalnotify.CLI
//	ctx := context.Background()
//	exitCode := cli.Run(ctx)
//
// For programmatic usage, create an [App] instance:
//
//	storage, _ := gcalnotify.NewStorage(ctx, storageOption)
//	sink, _ := gcalnotify.NewEventSink(ctx, sinkOption)
//	app, _ := gcalnotify.New(cfg, storage, sink)
//	defer app.Close()
//
// Channels are created and rotated by the maintain command or on the
// configured maintenance schedule while serving. Each incoming webhook
// notification triggers one incremental pull of the changed calendar,
// classifies the returned events and forwards them to the sink.
package gcalnotify
