package models

import "time"

// ClassSession represents one concrete class meeting of a group. Session rows
// are owned by an external collaborator; this service only reads them.
type ClassSession struct {
	ID        string    `db:"id" json:"id"`
	GroupID   string    `db:"group_id" json:"group_id"`
	SubjectID string    `db:"subject_id" json:"subject_id"`
	StartsAt  time.Time `db:"starts_at" json:"starts_at"`
	EndsAt    time.Time `db:"ends_at" json:"ends_at"`
	Classroom string    `db:"classroom" json:"classroom"`
}
