package models

import "time"

// ReservationMode distinguishes physical from remote attendance.
type ReservationMode string

// Seat modes. The first seats of a session are granted in person, overflow
// attends online.
const (
	ReservationModeInPerson ReservationMode = "IN_PERSON"
	ReservationModeOnline   ReservationMode = "ONLINE"
)

// ReservationStatus represents the lifecycle of a session reservation.
type ReservationStatus string

// Possible reservation statuses. Reservations are cancelled, never deleted.
const (
	ReservationStatusConfirmed ReservationStatus = "CONFIRMED"
	ReservationStatusCancelled ReservationStatus = "CANCELLED"
)

// SessionReservation represents one student's seat for one class session.
// (StudentID, SessionID) is unique among non-cancelled rows.
type SessionReservation struct {
	ID           string            `db:"id" json:"id"`
	StudentID    string            `db:"student_id" json:"student_id"`
	SessionID    string            `db:"session_id" json:"session_id"`
	EnrollmentID string            `db:"enrollment_id" json:"enrollment_id"`
	Mode         ReservationMode   `db:"mode" json:"mode"`
	Status       ReservationStatus `db:"status" json:"status"`
	ReservedAt   time.Time         `db:"reserved_at" json:"reserved_at"`
	CancelledAt  *time.Time        `db:"cancelled_at" json:"cancelled_at,omitempty"`
}

// ReservationFilter provides filters for listing reservations.
type ReservationFilter struct {
	StudentID string
	SessionID string
	GroupID   string
	Status    ReservationStatus
	Mode      ReservationMode
	Page      int
	PageSize  int
}
