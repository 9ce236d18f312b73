package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/shahrin-2002/CSE471/internal/booking"
)

type BookRequest struct {
	DoctorID string `json:"doctor_id" validate:"required,uuid"`
	Date     string `json:"date" validate:"required"`
}

type RescheduleRequest struct {
	DoctorID string `json:"doctor_id" validate:"required,uuid"`
	NewDate  string `json:"new_date" validate:"required"`
}

type AppointmentResponse struct {
	ID         uuid.UUID        `json:"id"`
	PatientID  uuid.UUID        `json:"patient_id"`
	DoctorID   uuid.UUID        `json:"doctor_id"`
	SlotID     uuid.UUID        `json:"slot_id"`
	Date       time.Time        `json:"date"`
	Status     string           `json:"status"`
	Notes      string           `json:"notes,omitempty"`
	PromotedAt *time.Time       `json:"promoted_at,omitempty"`
	Doctor     *DoctorResponse  `json:"doctor,omitempty"`
	Patient    *PatientResponse `json:"patient,omitempty"`
}

type DoctorResponse struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Specialty *string   `json:"specialty,omitempty"`
}

type PatientResponse struct {
	ID    uuid.UUID `json:"id"`
	Name  string    `json:"name"`
	Email *string   `json:"email,omitempty"`
}

type BookResponse struct {
	Status      string               `json:"status"`
	Appointment *AppointmentResponse `json:"appointment,omitempty"`
}

type CancelResponse struct {
	Success bool `json:"success"`
}

type ListResponse struct {
	Appointments []AppointmentResponse `json:"appointments"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toAppointmentResponse(a *booking.Appointment) *AppointmentResponse {
	if a == nil {
		return nil
	}
	return &AppointmentResponse{
		ID:         a.ID,
		PatientID:  a.PatientID,
		DoctorID:   a.DoctorID,
		SlotID:     a.SlotID,
		Date:       a.Date,
		Status:     string(a.Status),
		Notes:      a.Notes,
		PromotedAt: a.PromotedAt,
	}
}

func toDetailResponse(d booking.AppointmentDetail) AppointmentResponse {
	resp := *toAppointmentResponse(&d.Appointment)
	if d.Doctor != nil {
		resp.Doctor = &DoctorResponse{ID: d.Doctor.ID, Name: d.Doctor.Name, Specialty: d.Doctor.Specialty}
	}
	if d.Patient != nil {
		resp.Patient = &PatientResponse{ID: d.Patient.ID, Name: d.Patient.Name, Email: d.Patient.Email}
	}
	return resp
}
