package booking

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrSlotNotFound         = errors.New("slot not found")
	ErrAppointmentNotFound  = errors.New("appointment not found")
	ErrUnauthorized         = errors.New("appointment belongs to another patient")
	ErrInvalidState         = errors.New("appointment status forbids this operation")
	ErrPatientAlreadyBooked = errors.New("patient already holds a seat in this slot")
	ErrCapacityExceeded     = errors.New("slot is already at capacity")
	ErrWaitlistEmpty        = errors.New("slot waitlist is empty")
	ErrOccupantNotFound     = errors.New("appointment does not occupy this slot")

	// ErrTxConflict marks a concurrent conflicting write detected by the
	// store. The engine retries the whole operation a bounded number of
	// times before surfacing it.
	ErrTxConflict = errors.New("transaction conflict, retry")
)

// Tx is a transactional view over slots and appointments. Every method runs
// against uncommitted state; the enclosing WithinSlotTx commits or rolls back
// the whole unit.
type Tx interface {
	// FindOrCreateSlot returns the slot for the (doctorID, date) pair,
	// creating it with defaultCapacity when absent. Concurrent calls for
	// the same pair never produce duplicates.
	FindOrCreateSlot(ctx context.Context, doctorID uuid.UUID, date time.Time, defaultCapacity int) (*Slot, error)
	SlotByID(ctx context.Context, id uuid.UUID) (*Slot, error)

	// AddOccupant seats the appointment, failing with ErrCapacityExceeded
	// on a full slot.
	AddOccupant(ctx context.Context, slotID, appointmentID, patientID uuid.UUID) error
	RemoveOccupant(ctx context.Context, slotID, appointmentID uuid.UUID) error

	// EnqueueWaitlist is an idempotent no-op when the patient is already
	// queued; it reports whether a new entry was appended.
	EnqueueWaitlist(ctx context.Context, slotID, patientID uuid.UUID) (bool, error)
	DequeueWaitlist(ctx context.Context, slotID uuid.UUID) (uuid.UUID, error)
	RemoveFromWaitlist(ctx context.Context, slotID, patientID uuid.UUID) error

	CreateAppointment(ctx context.Context, appt *Appointment) error
	AppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	UpdateAppointment(ctx context.Context, appt *Appointment) error
}

// Store is the persistence contract for the booking engine. WithinSlotTx is
// the explicit transactional boundary: fn either commits wholesale or leaves
// no trace, and a concurrent conflicting writer surfaces as ErrTxConflict.
type Store interface {
	WithinSlotTx(ctx context.Context, fn func(tx Tx) error) error

	AppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID) ([]AppointmentDetail, error)
	ListByDoctor(ctx context.Context, doctorID uuid.UUID) ([]AppointmentDetail, error)

	// CompletePastAppointments flips booked/rescheduled appointments whose
	// date is strictly before cutoff to completed, returning them.
	CompletePastAppointments(ctx context.Context, cutoff time.Time) ([]Appointment, error)

	AppendEvent(ctx context.Context, ev BookingEvent) error
}

// Locker serializes engine operations per slot key. Implementations must
// acquire multiple keys in sorted order so two-slot operations cannot
// deadlock each other.
type Locker interface {
	WithSlotLocks(ctx context.Context, keys []string, fn func(ctx context.Context) error) error
}

// ErrLockNotAcquired is returned by non-blocking lockers when another
// operation holds one of the requested keys. The engine treats it like a
// transaction conflict.
var ErrLockNotAcquired = errors.New("slot lock not acquired")
