package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Result is what a book or reschedule call hands back to the transport layer.
// Status is StatusBooked when the patient holds a seat and StatusWaitlisted
// when they were queued instead.
type Result struct {
	Status      AppointmentStatus
	Appointment *Appointment
}

// Engine runs the slot booking state machine. Every top-level operation is a
// single store transaction guarded by per-slot locks; conflicts abort and the
// whole operation is retried from scratch.
type Engine struct {
	store  Store
	locker Locker
	log    *zap.Logger

	defaultCapacity int
	maxRetries      int
	retryBackoff    time.Duration
}

type EngineConfig struct {
	DefaultSlotCapacity int
	MaxRetries          int
	RetryBackoff        time.Duration
}

func NewEngine(store Store, locker Locker, log *zap.Logger, cfg EngineConfig) *Engine {
	if cfg.DefaultSlotCapacity <= 0 {
		cfg.DefaultSlotCapacity = 5
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 25 * time.Millisecond
	}
	return &Engine{
		store:           store,
		locker:          locker,
		log:             log,
		defaultCapacity: cfg.DefaultSlotCapacity,
		maxRetries:      cfg.MaxRetries,
		retryBackoff:    cfg.RetryBackoff,
	}
}

// slotKey is the lock key for one (doctor, date) pair. Slots are created
// lazily, so locking goes by the pair rather than the slot id.
func slotKey(doctorID uuid.UUID, date time.Time) string {
	return fmt.Sprintf("slot:%s:%s", doctorID, NormalizeDate(date).Format(time.RFC3339))
}

func retryableErr(err error) bool {
	// A surfaced ErrCapacityExceeded means a writer slipped between the
	// capacity check and the seat insert, which only happens when
	// concurrency control failed underneath us. Treat it like a conflict.
	return errors.Is(err, ErrTxConflict) ||
		errors.Is(err, ErrLockNotAcquired) ||
		errors.Is(err, ErrCapacityExceeded)
}

func (e *Engine) retry(ctx context.Context, op string, attempt func(ctx context.Context) error) error {
	var err error
	for i := 0; i < e.maxRetries; i++ {
		err = attempt(ctx)
		if err == nil || !retryableErr(err) {
			return err
		}
		e.log.Warn("retrying after slot conflict",
			zap.String("op", op),
			zap.Int("attempt", i+1),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.retryBackoff * time.Duration(i+1)):
		}
	}
	return fmt.Errorf("%s: conflict persisted after %d attempts: %w", op, e.maxRetries, err)
}

// Book seats the patient in the (doctorID, date) slot, or queues them when
// the slot is full. The waitlisted path creates no appointment record; the
// patient exists only in the slot's waitlist until promoted.
func (e *Engine) Book(ctx context.Context, patientID, doctorID uuid.UUID, date time.Time) (*Result, error) {
	date = NormalizeDate(date)

	var res *Result
	attempt := func(ctx context.Context) error {
		res = nil
		return e.locker.WithSlotLocks(ctx, []string{slotKey(doctorID, date)}, func(ctx context.Context) error {
			return e.store.WithinSlotTx(ctx, func(tx Tx) error {
				slot, err := tx.FindOrCreateSlot(ctx, doctorID, date, e.defaultCapacity)
				if err != nil {
					return fmt.Errorf("find or create slot: %w", err)
				}
				if slot.SeatedPatient(patientID) {
					return ErrPatientAlreadyBooked
				}

				if slot.HasCapacity() {
					appt := &Appointment{
						ID:        uuid.New(),
						PatientID: patientID,
						DoctorID:  doctorID,
						SlotID:    slot.ID,
						Date:      slot.Date,
						Status:    StatusBooked,
					}
					if err := tx.CreateAppointment(ctx, appt); err != nil {
						return fmt.Errorf("create appointment: %w", err)
					}
					if err := tx.AddOccupant(ctx, slot.ID, appt.ID, patientID); err != nil {
						return fmt.Errorf("seat appointment: %w", err)
					}
					res = &Result{Status: StatusBooked, Appointment: appt}
					return nil
				}

				if _, err := tx.EnqueueWaitlist(ctx, slot.ID, patientID); err != nil {
					return fmt.Errorf("enqueue waitlist: %w", err)
				}
				res = &Result{Status: StatusWaitlisted}
				return nil
			})
		})
	}

	if err := e.retry(ctx, "book", attempt); err != nil {
		return nil, err
	}

	if res.Status == StatusBooked {
		e.logEvent(ctx, EventBooked, &res.Appointment.ID, &res.Appointment.SlotID, map[string]any{
			"patient_id": patientID.String(),
			"doctor_id":  doctorID.String(),
			"date":       date,
		})
	} else {
		e.logEvent(ctx, EventWaitlisted, nil, nil, map[string]any{
			"patient_id": patientID.String(),
			"doctor_id":  doctorID.String(),
			"date":       date,
		})
	}
	return res, nil
}

// Cancel vacates the appointment's seat and promotes the front of the
// slot's waitlist into it within the same transaction. Cancelling a
// waitlisted appointment removes its queue entry instead.
func (e *Engine) Cancel(ctx context.Context, appointmentID, actingPatientID uuid.UUID) error {
	var promoted *Appointment
	var slotID uuid.UUID

	attempt := func(ctx context.Context) error {
		promoted = nil

		appt, err := e.store.AppointmentByID(ctx, appointmentID)
		if err != nil {
			return err
		}
		if err := authorize(appt, actingPatientID); err != nil {
			return err
		}

		return e.locker.WithSlotLocks(ctx, []string{slotKey(appt.DoctorID, appt.Date)}, func(ctx context.Context) error {
			return e.store.WithinSlotTx(ctx, func(tx Tx) error {
				cur, err := tx.AppointmentByID(ctx, appointmentID)
				if err != nil {
					return err
				}
				if err := authorize(cur, actingPatientID); err != nil {
					return err
				}
				if cur.SlotID != appt.SlotID {
					// Moved between our read and the lock.
					return ErrTxConflict
				}

				slot, err := tx.SlotByID(ctx, cur.SlotID)
				if err != nil {
					return err
				}
				slotID = slot.ID

				if cur.Status == StatusWaitlisted {
					if err := tx.RemoveFromWaitlist(ctx, slot.ID, cur.PatientID); err != nil {
						return fmt.Errorf("remove waitlist entry: %w", err)
					}
				} else {
					if err := tx.RemoveOccupant(ctx, slot.ID, cur.ID); err != nil {
						return fmt.Errorf("vacate seat: %w", err)
					}
					promoted, err = e.promoteNext(ctx, tx, slot)
					if err != nil {
						return err
					}
				}

				cur.Status = StatusCancelled
				return tx.UpdateAppointment(ctx, cur)
			})
		})
	}

	if err := e.retry(ctx, "cancel", attempt); err != nil {
		return err
	}

	e.logEvent(ctx, EventCancelled, &appointmentID, &slotID, map[string]any{
		"patient_id": actingPatientID.String(),
	})
	if promoted != nil {
		e.logEvent(ctx, EventPromoted, &promoted.ID, &promoted.SlotID, map[string]any{
			"patient_id": promoted.PatientID.String(),
		})
	}
	return nil
}

// Reschedule detaches the appointment from its current slot (promoting that
// slot's waitlist into the vacated seat) and attaches it to the (doctorID,
// newDate) slot, seating or waitlisting it there. Old and new slot mutate in
// one transaction; a failure rolls back the detach as well.
func (e *Engine) Reschedule(ctx context.Context, appointmentID, actingPatientID, doctorID uuid.UUID, newDate time.Time) (*Result, error) {
	newDate = NormalizeDate(newDate)

	var res *Result
	var promoted *Appointment

	attempt := func(ctx context.Context) error {
		res, promoted = nil, nil

		appt, err := e.store.AppointmentByID(ctx, appointmentID)
		if err != nil {
			return err
		}
		if err := authorize(appt, actingPatientID); err != nil {
			return err
		}

		oldKey := slotKey(appt.DoctorID, appt.Date)
		newKey := slotKey(doctorID, newDate)
		keys := []string{oldKey}
		if newKey != oldKey {
			keys = append(keys, newKey)
		}

		return e.locker.WithSlotLocks(ctx, keys, func(ctx context.Context) error {
			return e.store.WithinSlotTx(ctx, func(tx Tx) error {
				cur, err := tx.AppointmentByID(ctx, appointmentID)
				if err != nil {
					return err
				}
				if err := authorize(cur, actingPatientID); err != nil {
					return err
				}
				if cur.SlotID != appt.SlotID {
					return ErrTxConflict
				}

				oldSlot, err := tx.SlotByID(ctx, cur.SlotID)
				if err != nil {
					return err
				}

				if cur.Status == StatusWaitlisted {
					if err := tx.RemoveFromWaitlist(ctx, oldSlot.ID, cur.PatientID); err != nil {
						return fmt.Errorf("remove waitlist entry: %w", err)
					}
				} else {
					if err := tx.RemoveOccupant(ctx, oldSlot.ID, cur.ID); err != nil {
						return fmt.Errorf("vacate old seat: %w", err)
					}
					promoted, err = e.promoteNext(ctx, tx, oldSlot)
					if err != nil {
						return err
					}
				}

				newSlot, err := tx.FindOrCreateSlot(ctx, doctorID, newDate, e.defaultCapacity)
				if err != nil {
					return fmt.Errorf("find or create slot: %w", err)
				}
				if newSlot.SeatedPatient(cur.PatientID) {
					return ErrPatientAlreadyBooked
				}

				if newSlot.HasCapacity() {
					if err := tx.AddOccupant(ctx, newSlot.ID, cur.ID, cur.PatientID); err != nil {
						return fmt.Errorf("seat in new slot: %w", err)
					}
					cur.Status = StatusRescheduled
					cur.SlotID = newSlot.ID
					cur.Date = newSlot.Date
					if err := tx.UpdateAppointment(ctx, cur); err != nil {
						return err
					}
					res = &Result{Status: StatusBooked, Appointment: cur}
					return nil
				}

				if _, err := tx.EnqueueWaitlist(ctx, newSlot.ID, cur.PatientID); err != nil {
					return fmt.Errorf("enqueue waitlist: %w", err)
				}
				cur.Status = StatusWaitlisted
				cur.SlotID = newSlot.ID
				cur.Date = newSlot.Date
				if err := tx.UpdateAppointment(ctx, cur); err != nil {
					return err
				}
				res = &Result{Status: StatusWaitlisted, Appointment: cur}
				return nil
			})
		})
	}

	if err := e.retry(ctx, "reschedule", attempt); err != nil {
		return nil, err
	}

	e.logEvent(ctx, EventRescheduled, &appointmentID, &res.Appointment.SlotID, map[string]any{
		"patient_id": actingPatientID.String(),
		"doctor_id":  doctorID.String(),
		"new_date":   newDate,
		"status":     string(res.Status),
	})
	if promoted != nil {
		e.logEvent(ctx, EventPromoted, &promoted.ID, &promoted.SlotID, map[string]any{
			"patient_id": promoted.PatientID.String(),
		})
	}
	return res, nil
}

// promoteNext fills the seat just vacated on slot: pop the waitlist front and
// seat a fresh appointment for that patient with PromotedAt set. Returns nil
// when the waitlist is empty.
func (e *Engine) promoteNext(ctx context.Context, tx Tx, slot *Slot) (*Appointment, error) {
	next, err := tx.DequeueWaitlist(ctx, slot.ID)
	if errors.Is(err, ErrWaitlistEmpty) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue waitlist: %w", err)
	}

	now := time.Now().UTC()
	appt := &Appointment{
		ID:         uuid.New(),
		PatientID:  next,
		DoctorID:   slot.DoctorID,
		SlotID:     slot.ID,
		Date:       slot.Date,
		Status:     StatusBooked,
		PromotedAt: &now,
	}
	if err := tx.CreateAppointment(ctx, appt); err != nil {
		return nil, fmt.Errorf("create promoted appointment: %w", err)
	}
	if err := tx.AddOccupant(ctx, slot.ID, appt.ID, appt.PatientID); err != nil {
		return nil, fmt.Errorf("seat promoted appointment: %w", err)
	}
	return appt, nil
}

// CompletePastAppointments flips seats whose date has passed to completed.
// Run periodically by the completion worker.
func (e *Engine) CompletePastAppointments(ctx context.Context, cutoff time.Time) (int, error) {
	completed, err := e.store.CompletePastAppointments(ctx, NormalizeDate(cutoff))
	if err != nil {
		return 0, fmt.Errorf("complete past appointments: %w", err)
	}
	for i := range completed {
		a := completed[i]
		e.logEvent(ctx, EventCompleted, &a.ID, &a.SlotID, map[string]any{
			"patient_id": a.PatientID.String(),
			"date":       a.Date,
		})
	}
	return len(completed), nil
}

func (e *Engine) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]AppointmentDetail, error) {
	appts, err := e.store.ListByPatient(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("list appointments by patient: %w", err)
	}
	return appts, nil
}

func (e *Engine) ListByDoctor(ctx context.Context, doctorID uuid.UUID) ([]AppointmentDetail, error) {
	appts, err := e.store.ListByDoctor(ctx, doctorID)
	if err != nil {
		return nil, fmt.Errorf("list appointments by doctor: %w", err)
	}
	return appts, nil
}

func authorize(appt *Appointment, actingPatientID uuid.UUID) error {
	if appt.PatientID != actingPatientID {
		return ErrUnauthorized
	}
	if !appt.Status.Live() {
		return ErrInvalidState
	}
	return nil
}

func (e *Engine) logEvent(ctx context.Context, eventType string, appointmentID, slotID *uuid.UUID, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		e.log.Error("marshal event payload", zap.String("event", eventType), zap.Error(err))
		data = nil
	}

	ev := BookingEvent{
		EventType:     eventType,
		AppointmentID: appointmentID,
		SlotID:        slotID,
		Payload:       data,
		CreatedAt:     time.Now().UTC(),
	}
	if err := e.store.AppendEvent(ctx, ev); err != nil {
		e.log.Error("append booking event", zap.String("event", eventType), zap.Error(err))
	}
}
