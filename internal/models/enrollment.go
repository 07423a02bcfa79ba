package models

import "time"

// EnrollmentStatus represents the lifecycle of an enrollment.
type EnrollmentStatus string

// Possible enrollment statuses.
const (
	EnrollmentStatusActive      EnrollmentStatus = "ACTIVE"
	EnrollmentStatusWaitingList EnrollmentStatus = "WAITING_LIST"
	EnrollmentStatusWithdrawn   EnrollmentStatus = "WITHDRAWN"
)

// Enrollment captures one student's relationship to one course group.
// WaitingListPosition is set iff the enrollment is on the waiting list;
// positions within a group always form a contiguous 1..N sequence.
type Enrollment struct {
	ID                  string           `db:"id" json:"id"`
	StudentID           string           `db:"student_id" json:"student_id"`
	GroupID             string           `db:"group_id" json:"group_id"`
	Status              EnrollmentStatus `db:"status" json:"status"`
	WaitingListPosition *int             `db:"waiting_list_position" json:"waiting_list_position,omitempty"`
	PricePerHour        float64          `db:"price_per_hour" json:"price_per_hour"`
	EnrolledAt          time.Time        `db:"enrolled_at" json:"enrolled_at"`
	PromotedAt          *time.Time       `db:"promoted_at" json:"promoted_at,omitempty"`
	WithdrawnAt         *time.Time       `db:"withdrawn_at" json:"withdrawn_at,omitempty"`
}

// EnrollmentDetail enriches Enrollment with group and subject info.
type EnrollmentDetail struct {
	Enrollment
	GroupName   string `db:"group_name" json:"group_name"`
	SubjectID   string `db:"subject_id" json:"subject_id"`
	SubjectName string `db:"subject_name" json:"subject_name"`
}

// EnrollmentFilter provides filters for listing enrollments.
type EnrollmentFilter struct {
	StudentID string
	GroupID   string
	Status    EnrollmentStatus
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}
