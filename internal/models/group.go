package models

import "time"

// Group represents a capacity-limited course group. Group rows are owned by
// an external collaborator; this service only reads them.
type Group struct {
	ID           string    `db:"id" json:"id"`
	Name         string    `db:"name" json:"name"`
	SubjectID    string    `db:"subject_id" json:"subject_id"`
	MaxCapacity  int       `db:"max_capacity" json:"max_capacity"`
	PricePerHour float64   `db:"price_per_hour" json:"price_per_hour"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}
