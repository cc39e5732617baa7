package gcalnotify

// DetailType constants for EventBridge events.
const (
	DetailTypeEventCreated   = "Event Created"
	DetailTypeEventUpdated   = "Event Updated"
	DetailTypeEventCancelled = "Event Cancelled"
)
