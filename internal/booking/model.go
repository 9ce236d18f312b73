package booking

import (
	"time"

	"github.com/google/uuid"
)

type AppointmentStatus string

const (
	StatusBooked      AppointmentStatus = "booked"
	StatusWaitlisted  AppointmentStatus = "waitlisted"
	StatusRescheduled AppointmentStatus = "rescheduled"
	StatusCancelled   AppointmentStatus = "cancelled"
	StatusCompleted   AppointmentStatus = "completed"
)

// Live reports whether the appointment still holds (or is waiting for) a seat.
func (s AppointmentStatus) Live() bool {
	return s == StatusBooked || s == StatusWaitlisted || s == StatusRescheduled
}

// Seated reports whether the appointment occupies a capacity unit of its slot.
func (s AppointmentStatus) Seated() bool {
	return s == StatusBooked || s == StatusRescheduled
}

type Patient struct {
	ID        uuid.UUID
	Name      string
	Email     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Doctor struct {
	ID        uuid.UUID
	Name      string
	Specialty *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Occupant is one seated appointment inside a slot, in seating order.
type Occupant struct {
	AppointmentID uuid.UUID
	PatientID     uuid.UUID
	SeatedAt      time.Time
}

// Slot is one bookable time block for one doctor. The (DoctorID, Date) pair is
// unique; occupants never exceed Capacity and the waitlist holds each patient
// at most once, in FIFO order.
type Slot struct {
	ID        uuid.UUID
	DoctorID  uuid.UUID
	Date      time.Time
	Capacity  int
	Occupants []Occupant
	Waitlist  PatientQueue
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (s *Slot) HasCapacity() bool {
	return len(s.Occupants) < s.Capacity
}

// SeatedPatient reports whether the patient already occupies a seat.
func (s *Slot) SeatedPatient(patientID uuid.UUID) bool {
	for _, o := range s.Occupants {
		if o.PatientID == patientID {
			return true
		}
	}
	return false
}

type Appointment struct {
	ID         uuid.UUID
	PatientID  uuid.UUID
	DoctorID   uuid.UUID
	SlotID     uuid.UUID
	Date       time.Time
	Status     AppointmentStatus
	Notes      string
	PromotedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// AppointmentDetail hydrates an appointment with directory records when the
// store can resolve them.
type AppointmentDetail struct {
	Appointment
	Doctor  *Doctor
	Patient *Patient
}

// BookingEvent is one append-only audit record. Event inserts are best effort
// and never fail the operation that produced them.
type BookingEvent struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	SlotID        *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}

const (
	EventBooked      = "APPOINTMENT_BOOKED"
	EventWaitlisted  = "PATIENT_WAITLISTED"
	EventPromoted    = "WAITLIST_PROMOTED"
	EventCancelled   = "APPOINTMENT_CANCELLED"
	EventRescheduled = "APPOINTMENT_RESCHEDULED"
	EventCompleted   = "APPOINTMENT_COMPLETED"
)

// NormalizeDate collapses a slot timestamp to minute precision in UTC so that
// two requests for the same block always hit the same (doctor, date) pair.
func NormalizeDate(t time.Time) time.Time {
	return t.UTC().Truncate(time.Minute)
}
