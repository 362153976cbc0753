package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"

	"github.com/sakif/opentrack/internal/model"
)

// TrackingService is the part of service.TrackingService the API needs.
type TrackingService interface {
	Register(ctx context.Context, emailID string) (*model.TrackingRecord, error)
	Status(ctx context.Context, emailID string) (*model.Status, error)
	History(ctx context.Context, emailID string) (*model.History, error)
}

// TrackingHandler serves registration, status and history.
type TrackingHandler struct {
	svc      TrackingService
	validate *validator.Validate
	logger   *slog.Logger
}

func NewTrackingHandler(svc TrackingService, logger *slog.Logger) *TrackingHandler {
	validate := validator.New()
	// Registration happens once at construction with a constant tag, so an
	// error here is a programming mistake.
	if err := validate.RegisterValidation("maxbytes", maxBytes); err != nil {
		panic(err)
	}
	return &TrackingHandler{
		svc:      svc,
		validate: validate,
		logger:   logger,
	}
}

// registerRequest limits emailId in bytes, not runes, so the check agrees
// with the service layer and with what the stores index.
type registerRequest struct {
	EmailID string `json:"emailId" validate:"required,maxbytes=256"`
}

// maxBytes is the "maxbytes=N" validator: len(string) <= N. The built-in
// max tag counts runes for strings.
func maxBytes(fl validator.FieldLevel) bool {
	limit, err := strconv.Atoi(fl.Param())
	if err != nil {
		return false
	}
	return len(fl.Field().String()) <= limit
}

// HandleRegister creates an unopened record ahead of sending an email.
//
// HTTP: POST /api/register
// REQUEST BODY: {"emailId": "abc123"}
// RESPONSES:
//
//	201 {"success": true, "emailId": "abc123"}
//	400 {"success": false, "error": "..."}  bad JSON or invalid emailId
//	409 {"success": false, "error": "..."}  emailId already tracked
//	500 {"success": false, "error": "..."}  store unavailable
func (h *TrackingHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("invalid register JSON", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadRequest, RegisterResponse{Error: "invalid JSON body"})
		return
	}

	if err := h.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, RegisterResponse{Error: validationMessage(err)})
		return
	}

	rec, err := h.svc.Register(r.Context(), req.EmailID)
	if err != nil {
		writeRegisterError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, RegisterResponse{Success: true, EmailID: rec.EmailID})
}

// HandleStatus returns whether an email was opened and how often.
//
// HTTP: GET /api/status/{emailId}
func (h *TrackingHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.svc.Status(r.Context(), emailIDParam(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// HandleOpens returns every recorded open of an email, oldest first.
//
// HTTP: GET /api/opens/{emailId}
func (h *TrackingHandler) HandleOpens(w http.ResponseWriter, r *http.Request) {
	history, err := h.svc.History(r.Context(), emailIDParam(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

// validationMessage turns validator errors into one client-facing line.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}

	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return "emailId is required"
	case "maxbytes":
		return fmt.Sprintf("emailId must be at most %s bytes", fe.Param())
	default:
		return fmt.Sprintf("emailId failed %s validation", fe.Tag())
	}
}
