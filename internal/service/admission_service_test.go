package service

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tutorhub/enrollment-api/internal/models"
	appErrors "github.com/tutorhub/enrollment-api/pkg/errors"
)

type mockTxRunner struct {
	locked [][]string
}

func (m *mockTxRunner) RunGroupTx(ctx context.Context, groupID string, fn func(tx *sqlx.Tx) error) error {
	m.locked = append(m.locked, []string{groupID})
	return fn(nil)
}

func (m *mockTxRunner) RunGroupsTx(ctx context.Context, groupIDs []string, fn func(tx *sqlx.Tx) error) error {
	m.locked = append(m.locked, groupIDs)
	return fn(nil)
}

type mockGroupReader struct {
	groups map[string]models.Group
}

func (m *mockGroupReader) FindByID(ctx context.Context, id string) (*models.Group, error) {
	if g, ok := m.groups[id]; ok {
		return &g, nil
	}
	return nil, sql.ErrNoRows
}

type mockEventSink struct {
	events []models.EnrollmentEvent
}

func (m *mockEventSink) Publish(event models.EnrollmentEvent) {
	m.events = append(m.events, event)
}

func (m *mockEventSink) types() []models.EnrollmentEventType {
	var out []models.EnrollmentEventType
	for _, e := range m.events {
		out = append(out, e.Type)
	}
	return out
}

type mockEnrollmentRepo struct {
	enrollments map[string]models.Enrollment
	nextID      int
}

func (m *mockEnrollmentRepo) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error) {
	var out []models.EnrollmentDetail
	for _, e := range m.enrollments {
		out = append(out, models.EnrollmentDetail{Enrollment: e})
	}
	return out, len(out), nil
}

func (m *mockEnrollmentRepo) FindByID(ctx context.Context, q sqlx.ExtContext, id string) (*models.Enrollment, error) {
	if e, ok := m.enrollments[id]; ok {
		return &e, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockEnrollmentRepo) FindDetailByID(ctx context.Context, id string) (*models.EnrollmentDetail, error) {
	if e, ok := m.enrollments[id]; ok {
		return &models.EnrollmentDetail{Enrollment: e}, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockEnrollmentRepo) ExistsCurrent(ctx context.Context, q sqlx.ExtContext, studentID, groupID string) (bool, error) {
	for _, e := range m.enrollments {
		if e.StudentID == studentID && e.GroupID == groupID && e.Status != models.EnrollmentStatusWithdrawn {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockEnrollmentRepo) CountActiveByGroup(ctx context.Context, q sqlx.ExtContext, groupID string) (int, error) {
	count := 0
	for _, e := range m.enrollments {
		if e.GroupID == groupID && e.Status == models.EnrollmentStatusActive {
			count++
		}
	}
	return count, nil
}

func (m *mockEnrollmentRepo) NextWaitingPosition(ctx context.Context, q sqlx.ExtContext, groupID string) (int, error) {
	max := 0
	for _, e := range m.enrollments {
		if e.GroupID == groupID && e.Status == models.EnrollmentStatusWaitingList && e.WaitingListPosition != nil && *e.WaitingListPosition > max {
			max = *e.WaitingListPosition
		}
	}
	return max + 1, nil
}

func (m *mockEnrollmentRepo) Create(ctx context.Context, q sqlx.ExtContext, enrollment *models.Enrollment) error {
	if m.enrollments == nil {
		m.enrollments = make(map[string]models.Enrollment)
	}
	if enrollment.ID == "" {
		m.nextID++
		enrollment.ID = fmt.Sprintf("enr-%d", m.nextID)
	}
	m.enrollments[enrollment.ID] = *enrollment
	return nil
}

func (m *mockEnrollmentRepo) ListWaitingByGroup(ctx context.Context, groupID string) ([]models.Enrollment, error) {
	var out []models.Enrollment
	for _, e := range m.enrollments {
		if e.GroupID == groupID && e.Status == models.EnrollmentStatusWaitingList {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return *out[i].WaitingListPosition < *out[j].WaitingListPosition
	})
	return out, nil
}

func (m *mockEnrollmentRepo) FindWaitingHead(ctx context.Context, q sqlx.ExtContext, groupID string) (*models.Enrollment, error) {
	waiting, _ := m.ListWaitingByGroup(ctx, groupID)
	if len(waiting) == 0 {
		return nil, nil
	}
	head := waiting[0]
	return &head, nil
}

func (m *mockEnrollmentRepo) Activate(ctx context.Context, q sqlx.ExtContext, id string, promotedAt time.Time) error {
	e := m.enrollments[id]
	e.Status = models.EnrollmentStatusActive
	e.WaitingListPosition = nil
	e.PromotedAt = &promotedAt
	m.enrollments[id] = e
	return nil
}

func (m *mockEnrollmentRepo) Withdraw(ctx context.Context, q sqlx.ExtContext, id string, withdrawnAt time.Time) error {
	e := m.enrollments[id]
	e.Status = models.EnrollmentStatusWithdrawn
	e.WaitingListPosition = nil
	e.WithdrawnAt = &withdrawnAt
	m.enrollments[id] = e
	return nil
}

func (m *mockEnrollmentRepo) CompactWaitingPositions(ctx context.Context, q sqlx.ExtContext, groupID string, vacatedPosition int) error {
	for id, e := range m.enrollments {
		if e.GroupID == groupID && e.Status == models.EnrollmentStatusWaitingList && e.WaitingListPosition != nil && *e.WaitingListPosition > vacatedPosition {
			pos := *e.WaitingListPosition - 1
			e.WaitingListPosition = &pos
			m.enrollments[id] = e
		}
	}
	return nil
}

func (m *mockEnrollmentRepo) UpdateGroup(ctx context.Context, q sqlx.ExtContext, id, groupID string) error {
	e := m.enrollments[id]
	e.GroupID = groupID
	m.enrollments[id] = e
	return nil
}

type mockSessionRepo struct {
	sessions map[string]models.ClassSession
}

func (m *mockSessionRepo) FindByID(ctx context.Context, q sqlx.ExtContext, id string) (*models.ClassSession, error) {
	if s, ok := m.sessions[id]; ok {
		return &s, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockSessionRepo) ListFutureByGroup(ctx context.Context, q sqlx.ExtContext, groupID string, from time.Time) ([]models.ClassSession, error) {
	var out []models.ClassSession
	for _, s := range m.sessions {
		if s.GroupID == groupID && s.StartsAt.After(from) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartsAt.Before(out[j].StartsAt) })
	return out, nil
}

type mockReservationRepo struct {
	reservations map[string]models.SessionReservation
	sessions     *mockSessionRepo
	nextID       int
}

func (m *mockReservationRepo) FindByID(ctx context.Context, q sqlx.ExtContext, id string) (*models.SessionReservation, error) {
	if r, ok := m.reservations[id]; ok {
		return &r, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockReservationRepo) ExistsForStudentSession(ctx context.Context, q sqlx.ExtContext, studentID, sessionID string) (bool, error) {
	for _, r := range m.reservations {
		if r.StudentID == studentID && r.SessionID == sessionID {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockReservationRepo) CountInPersonConfirmed(ctx context.Context, q sqlx.ExtContext, sessionID string) (int, error) {
	count := 0
	for _, r := range m.reservations {
		if r.SessionID == sessionID && r.Status == models.ReservationStatusConfirmed && r.Mode == models.ReservationModeInPerson {
			count++
		}
	}
	return count, nil
}

func (m *mockReservationRepo) ExistsConfirmedForSubject(ctx context.Context, q sqlx.ExtContext, studentID, subjectID, excludeGroupID string) (bool, error) {
	for _, r := range m.reservations {
		if r.StudentID != studentID || r.Status != models.ReservationStatusConfirmed {
			continue
		}
		session, ok := m.sessions.sessions[r.SessionID]
		if !ok {
			continue
		}
		if session.SubjectID == subjectID && session.GroupID != excludeGroupID {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockReservationRepo) Create(ctx context.Context, q sqlx.ExtContext, reservation *models.SessionReservation) error {
	if m.reservations == nil {
		m.reservations = make(map[string]models.SessionReservation)
	}
	if reservation.ID == "" {
		m.nextID++
		reservation.ID = fmt.Sprintf("res-%d", m.nextID)
	}
	m.reservations[reservation.ID] = *reservation
	return nil
}

func (m *mockReservationRepo) Cancel(ctx context.Context, q sqlx.ExtContext, id string, cancelledAt time.Time) error {
	r := m.reservations[id]
	r.Status = models.ReservationStatusCancelled
	r.CancelledAt = &cancelledAt
	m.reservations[id] = r
	return nil
}

func (m *mockReservationRepo) CancelFutureByEnrollment(ctx context.Context, q sqlx.ExtContext, enrollmentID string, now time.Time) (int64, error) {
	var cancelled int64
	for id, r := range m.reservations {
		if r.EnrollmentID != enrollmentID || r.Status != models.ReservationStatusConfirmed {
			continue
		}
		if session, ok := m.sessions.sessions[r.SessionID]; ok && session.StartsAt.After(now) {
			m.Cancel(ctx, q, id, now)
			cancelled++
		}
	}
	return cancelled, nil
}

func (m *mockReservationRepo) CancelFutureByStudentAndGroup(ctx context.Context, q sqlx.ExtContext, studentID, groupID string, now time.Time) (int64, error) {
	var cancelled int64
	for id, r := range m.reservations {
		if r.StudentID != studentID || r.Status != models.ReservationStatusConfirmed {
			continue
		}
		if session, ok := m.sessions.sessions[r.SessionID]; ok && session.GroupID == groupID && session.StartsAt.After(now) {
			m.Cancel(ctx, q, id, now)
			cancelled++
		}
	}
	return cancelled, nil
}

func (m *mockReservationRepo) List(ctx context.Context, filter models.ReservationFilter) ([]models.SessionReservation, int, error) {
	var out []models.SessionReservation
	for _, r := range m.reservations {
		out = append(out, r)
	}
	return out, len(out), nil
}

func (m *mockReservationRepo) confirmedFor(studentID string) []models.SessionReservation {
	var out []models.SessionReservation
	for _, r := range m.reservations {
		if r.StudentID == studentID && r.Status == models.ReservationStatusConfirmed {
			out = append(out, r)
		}
	}
	return out
}

// harness wires the services against shared in-memory repos so coordination
// between admission, waiting list and reservation generation is exercised
// end to end.
type harness struct {
	tx           *mockTxRunner
	enrollments  *mockEnrollmentRepo
	sessions     *mockSessionRepo
	reservations *mockReservationRepo
	groups       *mockGroupReader
	events       *mockEventSink

	reservationSvc *ReservationService
	admissionSvc   *AdmissionService
	waitlistSvc    *WaitlistService
	enrollmentSvc  *EnrollmentService
}

func newHarness(inPersonSeats int) *harness {
	h := &harness{
		tx:          &mockTxRunner{},
		enrollments: &mockEnrollmentRepo{enrollments: map[string]models.Enrollment{}},
		sessions:    &mockSessionRepo{sessions: map[string]models.ClassSession{}},
		groups:      &mockGroupReader{groups: map[string]models.Group{}},
		events:      &mockEventSink{},
	}
	h.reservations = &mockReservationRepo{reservations: map[string]models.SessionReservation{}, sessions: h.sessions}
	h.reservationSvc = NewReservationService(h.tx, h.reservations, h.sessions, h.enrollments, h.groups, inPersonSeats, validator.New(), nil, zap.NewNop())
	h.admissionSvc = NewAdmissionService(h.tx, h.enrollments, h.groups, h.reservationSvc, h.events, validator.New(), nil, zap.NewNop())
	h.waitlistSvc = NewWaitlistService(h.tx, h.enrollments, h.groups, h.reservationSvc, h.events, nil, zap.NewNop())
	h.enrollmentSvc = NewEnrollmentService(h.tx, h.enrollments, h.reservations, h.waitlistSvc, h.groups, h.reservationSvc, h.events, validator.New(), nil, zap.NewNop())
	return h
}

func (h *harness) addGroup(id, subjectID string, capacity int) {
	h.groups.groups[id] = models.Group{ID: id, Name: "Group " + id, SubjectID: subjectID, MaxCapacity: capacity, PricePerHour: 25}
}

func (h *harness) addSession(id, groupID, subjectID string, startsIn time.Duration) {
	start := time.Now().UTC().Add(startsIn)
	h.sessions.sessions[id] = models.ClassSession{ID: id, GroupID: groupID, SubjectID: subjectID, StartsAt: start, EndsAt: start.Add(90 * time.Minute)}
}

func TestAdmissionServiceAdmitGrantsSeatAndReservations(t *testing.T) {
	h := newHarness(24)
	h.addGroup("g1", "math", 8)
	h.addSession("sess-1", "g1", "math", time.Hour)
	h.addSession("sess-2", "g1", "math", 48*time.Hour)

	detail, err := h.admissionSvc.Admit(context.Background(), AdmitRequest{StudentID: "s1", GroupID: "g1"})
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusActive, detail.Status)
	assert.Nil(t, detail.WaitingListPosition)
	assert.Equal(t, 25.0, detail.PricePerHour)

	reservations := h.reservations.confirmedFor("s1")
	require.Len(t, reservations, 2)
	for _, r := range reservations {
		assert.Equal(t, models.ReservationModeInPerson, r.Mode)
		assert.Equal(t, detail.ID, r.EnrollmentID)
	}
	assert.Equal(t, []models.EnrollmentEventType{models.EnrollmentEventActivated}, h.events.types())
}

func TestAdmissionServiceAdmitQueuesWhenFull(t *testing.T) {
	h := newHarness(24)
	h.addGroup("g1", "math", 1)
	h.addSession("sess-1", "g1", "math", time.Hour)

	_, err := h.admissionSvc.Admit(context.Background(), AdmitRequest{StudentID: "s1", GroupID: "g1"})
	require.NoError(t, err)

	second, err := h.admissionSvc.Admit(context.Background(), AdmitRequest{StudentID: "s2", GroupID: "g1"})
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusWaitingList, second.Status)
	require.NotNil(t, second.WaitingListPosition)
	assert.Equal(t, 1, *second.WaitingListPosition)
	assert.Empty(t, h.reservations.confirmedFor("s2"))

	third, err := h.admissionSvc.Admit(context.Background(), AdmitRequest{StudentID: "s3", GroupID: "g1"})
	require.NoError(t, err)
	require.NotNil(t, third.WaitingListPosition)
	assert.Equal(t, 2, *third.WaitingListPosition)

	assert.Equal(t, []models.EnrollmentEventType{
		models.EnrollmentEventActivated,
		models.EnrollmentEventWaitlisted,
		models.EnrollmentEventWaitlisted,
	}, h.events.types())
}

func TestAdmissionServiceAdmitRejectsDuplicate(t *testing.T) {
	h := newHarness(24)
	h.addGroup("g1", "math", 8)

	_, err := h.admissionSvc.Admit(context.Background(), AdmitRequest{StudentID: "s1", GroupID: "g1"})
	require.NoError(t, err)

	_, err = h.admissionSvc.Admit(context.Background(), AdmitRequest{StudentID: "s1", GroupID: "g1"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrAlreadyEnrolled.Code, appErrors.FromError(err).Code)
}

func TestAdmissionServiceAdmitQueuedStudentCannotReapply(t *testing.T) {
	h := newHarness(24)
	h.addGroup("g1", "math", 1)

	_, err := h.admissionSvc.Admit(context.Background(), AdmitRequest{StudentID: "s1", GroupID: "g1"})
	require.NoError(t, err)
	_, err = h.admissionSvc.Admit(context.Background(), AdmitRequest{StudentID: "s2", GroupID: "g1"})
	require.NoError(t, err)

	_, err = h.admissionSvc.Admit(context.Background(), AdmitRequest{StudentID: "s2", GroupID: "g1"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrAlreadyEnrolled.Code, appErrors.FromError(err).Code)
}

func TestAdmissionServiceAdmitGroupNotFound(t *testing.T) {
	h := newHarness(24)

	_, err := h.admissionSvc.Admit(context.Background(), AdmitRequest{StudentID: "s1", GroupID: "missing"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestAdmissionServiceAdmitValidatesPayload(t *testing.T) {
	h := newHarness(24)

	_, err := h.admissionSvc.Admit(context.Background(), AdmitRequest{StudentID: "s1"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestAdmissionServiceOverflowGoesOnline(t *testing.T) {
	h := newHarness(2)
	h.addGroup("g1", "math", 10)
	h.addSession("sess-1", "g1", "math", time.Hour)

	for _, student := range []string{"s1", "s2"} {
		_, err := h.admissionSvc.Admit(context.Background(), AdmitRequest{StudentID: student, GroupID: "g1"})
		require.NoError(t, err)
	}

	_, err := h.admissionSvc.Admit(context.Background(), AdmitRequest{StudentID: "s3", GroupID: "g1"})
	require.NoError(t, err)

	overflow := h.reservations.confirmedFor("s3")
	require.Len(t, overflow, 1)
	assert.Equal(t, models.ReservationModeOnline, overflow[0].Mode)

	count, err := h.reservations.CountInPersonConfirmed(context.Background(), nil, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
