// Package events provides the in-process domain event bus. Events fan out to
// registered subscribers; each subscriber owns a queue so emission order is
// preserved per subscriber while a slow consumer cannot stall publishers.
package events

import "time"

// Type enumerates domain event flavors.
type Type string

const (
	// EventJobEnqueued fires when a job is inserted into the queue.
	EventJobEnqueued Type = "job_enqueued"
	// EventJobStarted fires when a worker claims a job.
	EventJobStarted Type = "job_started"
	// EventJobProgress fires on throttled progress updates.
	EventJobProgress Type = "job_progress"
	// EventJobCompleted fires on success, failure, requeue and cancel.
	EventJobCompleted Type = "job_completed"
	// EventDesignChanged fires when a design's status or metadata changes.
	EventDesignChanged Type = "design_changed"
	// EventChannelDiscovered fires when ingest finds a new unmonitored channel.
	EventChannelDiscovered Type = "channel_discovered"
)

type (
	// Event is a domain event delivered through the Bus. Concrete types embed
	// Base for the standard metadata.
	Event interface {
		// Type returns the event type constant.
		Type() Type
		// At returns the emission timestamp.
		At() time.Time
		// Payload returns the event-specific data in a JSON-serializable form.
		Payload() any
	}

	// Base provides a default Event implementation for embedding.
	Base struct {
		t  Type
		at time.Time
		p  any
	}

	// JobPayload describes a job lifecycle event.
	JobPayload struct {
		JobID    int64  `json:"job_id"`
		JobType  string `json:"job_type"`
		Status   string `json:"status"`
		DesignID *int64 `json:"design_id,omitempty"`
		Error    string `json:"error,omitempty"`
		Current  int64  `json:"current,omitempty"`
		Total    int64  `json:"total,omitempty"`
	}

	// DesignPayload describes a design change event.
	DesignPayload struct {
		DesignID int64  `json:"design_id"`
		Status   string `json:"status"`
	}

	// DiscoveredPayload describes a newly referenced upstream channel.
	DiscoveredPayload struct {
		Username   string `json:"username,omitempty"`
		PeerID     string `json:"peer_id,omitempty"`
		InviteHash string `json:"invite_hash,omitempty"`
		SourceType string `json:"source_type"`
	}
)

// New constructs an event with the given type and payload, stamped now.
func New(t Type, payload any) Event {
	return Base{t: t, at: time.Now().UTC(), p: payload}
}

// Type implements Event.Type.
func (e Base) Type() Type { return e.t }

// At implements Event.At.
func (e Base) At() time.Time { return e.at }

// Payload implements Event.Payload.
func (e Base) Payload() any { return e.p }
