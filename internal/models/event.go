package models

import "time"

// EnrollmentEventType identifies a lifecycle transition consumed downstream
// (payment generation, notifications).
type EnrollmentEventType string

// Emitted event types.
const (
	EnrollmentEventActivated  EnrollmentEventType = "enrollment.activated"
	EnrollmentEventWaitlisted EnrollmentEventType = "enrollment.waitlisted"
	EnrollmentEventPromoted   EnrollmentEventType = "enrollment.promoted"
	EnrollmentEventWithdrawn  EnrollmentEventType = "enrollment.withdrawn"
	EnrollmentEventMoved      EnrollmentEventType = "enrollment.group_changed"
)

// EnrollmentEvent is the payload handed to downstream consumers after an
// enrollment transition commits.
type EnrollmentEvent struct {
	Type         EnrollmentEventType `json:"type"`
	EnrollmentID string              `json:"enrollment_id"`
	StudentID    string              `json:"student_id"`
	GroupID      string              `json:"group_id"`
	OccurredAt   time.Time           `json:"occurred_at"`
}
