package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutorhub/enrollment-api/internal/models"
	appErrors "github.com/tutorhub/enrollment-api/pkg/errors"
)

func TestReservationServiceGenerateIsIdempotent(t *testing.T) {
	h := newHarness(24)
	h.addGroup("g1", "math", 4)
	h.addSession("sess-1", "g1", "math", time.Hour)

	active, err := h.admissionSvc.Admit(context.Background(), AdmitRequest{StudentID: "s1", GroupID: "g1"})
	require.NoError(t, err)
	require.Len(t, h.reservations.confirmedFor("s1"), 1)

	created, err := h.reservationSvc.Generate(context.Background(), active.ID)
	require.NoError(t, err)
	assert.Empty(t, created)
	assert.Len(t, h.reservations.confirmedFor("s1"), 1)
}

func TestReservationServiceGenerateCoversNewSessions(t *testing.T) {
	h := newHarness(24)
	h.addGroup("g1", "math", 4)
	h.addSession("sess-1", "g1", "math", time.Hour)

	active, err := h.admissionSvc.Admit(context.Background(), AdmitRequest{StudentID: "s1", GroupID: "g1"})
	require.NoError(t, err)

	// a session scheduled after admission gets picked up by the next run
	h.addSession("sess-2", "g1", "math", 72*time.Hour)
	created, err := h.reservationSvc.Generate(context.Background(), active.ID)
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, "sess-2", created[0].SessionID)
	assert.Len(t, h.reservations.confirmedFor("s1"), 2)
}

func TestReservationServiceGenerateSkipsPastSessions(t *testing.T) {
	h := newHarness(24)
	h.addGroup("g1", "math", 4)
	h.addSession("sess-past", "g1", "math", -time.Hour)
	h.addSession("sess-future", "g1", "math", time.Hour)

	_, err := h.admissionSvc.Admit(context.Background(), AdmitRequest{StudentID: "s1", GroupID: "g1"})
	require.NoError(t, err)

	reservations := h.reservations.confirmedFor("s1")
	require.Len(t, reservations, 1)
	assert.Equal(t, "sess-future", reservations[0].SessionID)
}

func TestReservationServiceGenerateRequiresActiveEnrollment(t *testing.T) {
	h := newHarness(24)
	h.addGroup("g1", "math", 1)
	queued := fillGroup(t, h, "g1", []string{"s0"}, []string{"s1"})

	_, err := h.reservationSvc.Generate(context.Background(), queued[0])
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrInvalidState.Code, appErrors.FromError(err).Code)
}

func TestReservationServiceSubjectExclusivity(t *testing.T) {
	h := newHarness(24)
	h.addGroup("g1", "math", 4)
	h.addGroup("g2", "math", 4)
	h.addSession("sess-g1", "g1", "math", time.Hour)
	h.addSession("sess-g2", "g2", "math", 2*time.Hour)

	_, err := h.admissionSvc.Admit(context.Background(), AdmitRequest{StudentID: "s1", GroupID: "g1"})
	require.NoError(t, err)

	// a confirmed seat in another group of the same subject blocks generation
	_, err = h.admissionSvc.Admit(context.Background(), AdmitRequest{StudentID: "s1", GroupID: "g2"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrSubjectReservation.Code, appErrors.FromError(err).Code)
}

func TestReservationServiceDifferentSubjectsAllowed(t *testing.T) {
	h := newHarness(24)
	h.addGroup("g1", "math", 4)
	h.addGroup("g2", "physics", 4)
	h.addSession("sess-g1", "g1", "math", time.Hour)
	h.addSession("sess-g2", "g2", "physics", 2*time.Hour)

	_, err := h.admissionSvc.Admit(context.Background(), AdmitRequest{StudentID: "s1", GroupID: "g1"})
	require.NoError(t, err)
	_, err = h.admissionSvc.Admit(context.Background(), AdmitRequest{StudentID: "s1", GroupID: "g2"})
	require.NoError(t, err)

	assert.Len(t, h.reservations.confirmedFor("s1"), 2)
}

func TestReservationServiceSwitchSessionKeepsMode(t *testing.T) {
	h := newHarness(24)
	h.addGroup("g1", "math", 4)
	h.addSession("sess-1", "g1", "math", time.Hour)
	h.addSession("sess-2", "g1", "math", 48*time.Hour)

	_, err := h.admissionSvc.Admit(context.Background(), AdmitRequest{StudentID: "s1", GroupID: "g1"})
	require.NoError(t, err)

	var source models.SessionReservation
	for _, r := range h.reservations.confirmedFor("s1") {
		if r.SessionID == "sess-1" {
			source = r
		}
	}
	require.NotEmpty(t, source.ID)

	// drop the sess-2 seat so switching onto it is not a duplicate
	other := h.reservations.confirmedFor("s1")
	for _, r := range other {
		if r.SessionID == "sess-2" {
			delete(h.reservations.reservations, r.ID)
		}
	}

	switched, err := h.reservationSvc.SwitchSession(context.Background(), source.ID, SwitchSessionRequest{SessionID: "sess-2"})
	require.NoError(t, err)
	assert.Equal(t, "sess-2", switched.SessionID)
	assert.Equal(t, models.ReservationModeInPerson, switched.Mode)
	assert.Equal(t, models.ReservationStatusConfirmed, switched.Status)

	old, err := h.reservations.FindByID(context.Background(), nil, source.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationStatusCancelled, old.Status)
}

func TestReservationServiceSwitchSessionOverflowsToOnline(t *testing.T) {
	h := newHarness(1)
	h.addGroup("g1", "math", 4)
	h.addSession("sess-1", "g1", "math", time.Hour)

	_, err := h.admissionSvc.Admit(context.Background(), AdmitRequest{StudentID: "s1", GroupID: "g1"})
	require.NoError(t, err)

	h.addSession("sess-2", "g1", "math", 48*time.Hour)
	_, err = h.admissionSvc.Admit(context.Background(), AdmitRequest{StudentID: "s2", GroupID: "g1"})
	require.NoError(t, err)

	// s2 holds the only in-person seat of sess-2; s1 switching onto it
	// lands in the online tier
	var source models.SessionReservation
	for _, r := range h.reservations.confirmedFor("s1") {
		if r.SessionID == "sess-1" {
			source = r
		}
	}
	require.NotEmpty(t, source.ID)
	require.Equal(t, models.ReservationModeInPerson, source.Mode)

	switched, err := h.reservationSvc.SwitchSession(context.Background(), source.ID, SwitchSessionRequest{SessionID: "sess-2"})
	require.NoError(t, err)
	assert.Equal(t, models.ReservationModeOnline, switched.Mode)
}

func TestReservationServiceSwitchSessionRejectsPastTarget(t *testing.T) {
	h := newHarness(24)
	h.addGroup("g1", "math", 4)
	h.addSession("sess-1", "g1", "math", time.Hour)
	h.addSession("sess-past", "g1", "math", -time.Hour)

	_, err := h.admissionSvc.Admit(context.Background(), AdmitRequest{StudentID: "s1", GroupID: "g1"})
	require.NoError(t, err)
	source := h.reservations.confirmedFor("s1")[0]

	_, err = h.reservationSvc.SwitchSession(context.Background(), source.ID, SwitchSessionRequest{SessionID: "sess-past"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrInvalidState.Code, appErrors.FromError(err).Code)
}

func TestReservationServiceSwitchSessionRejectsSameSession(t *testing.T) {
	h := newHarness(24)
	h.addGroup("g1", "math", 4)
	h.addSession("sess-1", "g1", "math", time.Hour)

	_, err := h.admissionSvc.Admit(context.Background(), AdmitRequest{StudentID: "s1", GroupID: "g1"})
	require.NoError(t, err)
	source := h.reservations.confirmedFor("s1")[0]

	_, err = h.reservationSvc.SwitchSession(context.Background(), source.ID, SwitchSessionRequest{SessionID: "sess-1"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrConflict.Code, appErrors.FromError(err).Code)
}

func TestReservationServiceSwitchSessionCurrentSessionMissing(t *testing.T) {
	h := newHarness(24)
	h.addGroup("g1", "math", 4)
	h.addSession("sess-1", "g1", "math", time.Hour)
	h.addSession("sess-2", "g1", "math", 48*time.Hour)

	_, err := h.admissionSvc.Admit(context.Background(), AdmitRequest{StudentID: "s1", GroupID: "g1"})
	require.NoError(t, err)

	var source models.SessionReservation
	for _, r := range h.reservations.confirmedFor("s1") {
		if r.SessionID == "sess-1" {
			source = r
		}
	}
	require.NotEmpty(t, source.ID)

	// the reservation's own session disappears (e.g. deleted timetable row)
	delete(h.sessions.sessions, "sess-1")

	_, err = h.reservationSvc.SwitchSession(context.Background(), source.ID, SwitchSessionRequest{SessionID: "sess-2"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestReservationServiceSwitchSessionNotFound(t *testing.T) {
	h := newHarness(24)

	_, err := h.reservationSvc.SwitchSession(context.Background(), "missing", SwitchSessionRequest{SessionID: "sess-1"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}
