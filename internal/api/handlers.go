package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/shahrin-2002/CSE471/internal/booking"
)

// BookingService is the slice of the engine the handlers need.
type BookingService interface {
	Book(ctx context.Context, patientID, doctorID uuid.UUID, date time.Time) (*booking.Result, error)
	Cancel(ctx context.Context, appointmentID, actingPatientID uuid.UUID) error
	Reschedule(ctx context.Context, appointmentID, actingPatientID, doctorID uuid.UUID, newDate time.Time) (*booking.Result, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID) ([]booking.AppointmentDetail, error)
	ListByDoctor(ctx context.Context, doctorID uuid.UUID) ([]booking.AppointmentDetail, error)
}

var validate = validator.New()

func decodeValid(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return errors.New("could not parse JSON body")
	}
	if err := validate.Struct(dst); err != nil {
		return err
	}
	return nil
}

// parseDate accepts RFC 3339 timestamps and plain dates.
func parseDate(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", raw)
}

func bookHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		patientID, ok := PatientFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing_identity", "no patient identity on request")
			return
		}

		var req BookRequest
		if err := decodeValid(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", err.Error())
			return
		}
		doctorID, err := uuid.Parse(req.DoctorID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctor_id must be a valid UUID")
			return
		}
		date, err := parseDate(req.Date)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "date must be RFC 3339 or YYYY-MM-DD")
			return
		}

		res, err := svc.Book(r.Context(), patientID, doctorID, date)
		if err != nil {
			handleBookingError(w, err)
			return
		}

		resp := BookResponse{Status: string(res.Status)}
		if res.Status == booking.StatusBooked {
			resp.Appointment = toAppointmentResponse(res.Appointment)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func rescheduleHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		patientID, ok := PatientFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing_identity", "no patient identity on request")
			return
		}
		appointmentID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		var req RescheduleRequest
		if err := decodeValid(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", err.Error())
			return
		}
		doctorID, err := uuid.Parse(req.DoctorID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctor_id must be a valid UUID")
			return
		}
		newDate, err := parseDate(req.NewDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "new_date must be RFC 3339 or YYYY-MM-DD")
			return
		}

		res, err := svc.Reschedule(r.Context(), appointmentID, patientID, doctorID, newDate)
		if err != nil {
			handleBookingError(w, err)
			return
		}

		resp := BookResponse{Status: string(res.Status)}
		if res.Status == booking.StatusBooked {
			resp.Appointment = toAppointmentResponse(res.Appointment)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func cancelHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		patientID, ok := PatientFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing_identity", "no patient identity on request")
			return
		}
		appointmentID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		if err := svc.Cancel(r.Context(), appointmentID, patientID); err != nil {
			handleBookingError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, CancelResponse{Success: true})
	}
}

func listMineHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		patientID, ok := PatientFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing_identity", "no patient identity on request")
			return
		}

		details, err := svc.ListByPatient(r.Context(), patientID)
		if err != nil {
			handleBookingError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toListResponse(details))
	}
}

func listForDoctorHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, err := uuid.Parse(chi.URLParam(r, "doctorID"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctorID must be a valid UUID")
			return
		}

		details, err := svc.ListByDoctor(r.Context(), doctorID)
		if err != nil {
			handleBookingError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toListResponse(details))
	}
}

func toListResponse(details []booking.AppointmentDetail) ListResponse {
	resp := ListResponse{Appointments: make([]AppointmentResponse, 0, len(details))}
	for _, d := range details {
		resp.Appointments = append(resp.Appointments, toDetailResponse(d))
	}
	return resp
}

func handleBookingError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, booking.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, booking.ErrSlotNotFound):
		writeError(w, http.StatusNotFound, "slot_not_found", err.Error())
	case errors.Is(err, booking.ErrUnauthorized):
		writeError(w, http.StatusForbidden, "not_your_appointment", err.Error())
	case errors.Is(err, booking.ErrInvalidState):
		writeError(w, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, booking.ErrPatientAlreadyBooked):
		writeError(w, http.StatusConflict, "already_booked", err.Error())
	case errors.Is(err, booking.ErrTxConflict),
		errors.Is(err, booking.ErrLockNotAcquired),
		errors.Is(err, booking.ErrCapacityExceeded):
		writeError(w, http.StatusServiceUnavailable, "slot_contended", "the slot is contended right now, please retry")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
