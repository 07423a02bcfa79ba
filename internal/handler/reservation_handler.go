package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tutorhub/enrollment-api/internal/models"
	"github.com/tutorhub/enrollment-api/internal/service"
	appErrors "github.com/tutorhub/enrollment-api/pkg/errors"
	"github.com/tutorhub/enrollment-api/pkg/response"
)

// ReservationHandler exposes session reservation endpoints.
type ReservationHandler struct {
	reservations *service.ReservationService
}

// NewReservationHandler constructs ReservationHandler.
func NewReservationHandler(reservations *service.ReservationService) *ReservationHandler {
	return &ReservationHandler{reservations: reservations}
}

// List godoc
// @Summary List session reservations
// @Tags Reservations
// @Produce json
// @Param studentId query string false "Filter by student"
// @Param sessionId query string false "Filter by session"
// @Param groupId query string false "Filter by group"
// @Param status query string false "Filter by status"
// @Param mode query string false "Filter by seat mode"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /reservations [get]
func (h *ReservationHandler) List(c *gin.Context) {
	var filter models.ReservationFilter
	filter.StudentID = c.Query("studentId")
	filter.SessionID = c.Query("sessionId")
	filter.GroupID = c.Query("groupId")
	filter.Status = models.ReservationStatus(strings.ToUpper(c.Query("status")))
	filter.Mode = models.ReservationMode(strings.ToUpper(c.Query("mode")))
	if page, err := strconv.Atoi(c.DefaultQuery("page", "1")); err == nil {
		filter.Page = page
	}
	if size, err := strconv.Atoi(c.DefaultQuery("limit", "20")); err == nil {
		filter.PageSize = size
	}

	reservations, pagination, err := h.reservations.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, reservations, pagination)
}

// Generate godoc
// @Summary Generate reservations for an active enrollment
// @Tags Reservations
// @Produce json
// @Param id path string true "Enrollment ID"
// @Success 201 {object} response.Envelope
// @Router /enrollments/{id}/reservations [post]
func (h *ReservationHandler) Generate(c *gin.Context) {
	created, err := h.reservations.Generate(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, created)
}

// Switch godoc
// @Summary Move a reservation to another session
// @Tags Reservations
// @Accept json
// @Produce json
// @Param id path string true "Reservation ID"
// @Param payload body service.SwitchSessionRequest true "Switch payload"
// @Success 200 {object} response.Envelope
// @Router /reservations/{id}/session [put]
func (h *ReservationHandler) Switch(c *gin.Context) {
	var req service.SwitchSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	reservation, err := h.reservations.SwitchSession(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, reservation, nil)
}
