package logger

import (
	"context"
	"log/slog"
)

// EventType names an operational event
type EventType string

const (
	// Ingestion
	ErrorAccepted  EventType = "error_accepted"
	ErrorRejected  EventType = "error_rejected"
	InboxStarted   EventType = "inbox_started"
	InboxStopped   EventType = "inbox_stopped"
	SubscriberFail EventType = "subscriber_failed"

	// Membership
	MembershipChanged EventType = "membership_changed"

	// Viewers
	ViewerConnected    EventType = "viewer_connected"
	ViewerDisconnected EventType = "viewer_disconnected"
	PipelineStopped    EventType = "pipeline_stopped"

	// Federation
	PeerConnected    EventType = "peer_connected"
	PeerDisconnected EventType = "peer_disconnected"
	PeerRetry        EventType = "peer_retry"

	// Health
	HealthMonitorStarted EventType = "health_monitor_started"
	HealthMonitorStopped EventType = "health_monitor_stopped"
	HealthCheckFailed    EventType = "health_check_failed"
	HealthCheckRecovered EventType = "health_check_recovered"

	// Jobs
	JobCompleted EventType = "job_completed"
	JobFailed    EventType = "job_failed"
)

// EventLogger records operational events for one component
type EventLogger struct {
	logger *Logger
}

// NewEventLogger creates an event logger on top of base
func NewEventLogger(base *Logger) *EventLogger {
	return &EventLogger{logger: base}
}

// Logger returns the underlying component logger
func (el *EventLogger) Logger() *Logger {
	return el.logger
}

// LogEvent logs a named event with custom attributes
func (el *EventLogger) LogEvent(eventType EventType, attrs ...slog.Attr) {
	el.logger.Event(context.Background(), string(eventType), attrs...)
}

// LogFailure logs a failed operation at error level
func (el *EventLogger) LogFailure(eventType EventType, err error, attrs ...slog.Attr) {
	el.logger.ErrorEvent(context.Background(), string(eventType), err, attrs...)
}
