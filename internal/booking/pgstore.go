package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgStore persists slots and appointments in Postgres. Every WithinSlotTx
// runs inside one database transaction; the slot row is locked with
// SELECT ... FOR UPDATE, so conflicting writers on the same slot serialize at
// the row lock and serialization failures surface as ErrTxConflict.
type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func (s *PgStore) WithinSlotTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(&pgTx{tx: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return mapPgErr(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapPgErr(fmt.Errorf("commit tx: %w", err))
	}
	return nil
}

// mapPgErr folds Postgres concurrency failures into ErrTxConflict so the
// engine retries them.
func mapPgErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return fmt.Errorf("%w: %s", ErrTxConflict, pgErr.Message)
		case "23505": // unique_violation: lost a find-or-create race
			return fmt.Errorf("%w: %s", ErrTxConflict, pgErr.Message)
		}
	}
	return err
}

const apptColumns = `id, patient_id, doctor_id, slot_id, date, status, notes, promoted_at, created_at, updated_at`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.DoctorID,
		&a.SlotID,
		&a.Date,
		&a.Status,
		&a.Notes,
		&a.PromotedAt,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}
	return &a, nil
}

func (s *PgStore) AppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+apptColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (s *PgStore) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]AppointmentDetail, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT a.id, a.patient_id, a.doctor_id, a.slot_id, a.date, a.status, a.notes, a.promoted_at, a.created_at, a.updated_at,
		       d.id, d.name, d.specialty, d.created_at, d.updated_at
		FROM appointments a
		LEFT JOIN doctors d ON d.id = a.doctor_id
		WHERE a.patient_id = $1
		ORDER BY a.date, a.created_at
	`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDetails(rows, true)
}

func (s *PgStore) ListByDoctor(ctx context.Context, doctorID uuid.UUID) ([]AppointmentDetail, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT a.id, a.patient_id, a.doctor_id, a.slot_id, a.date, a.status, a.notes, a.promoted_at, a.created_at, a.updated_at,
		       p.id, p.name, p.email, p.created_at, p.updated_at
		FROM appointments a
		LEFT JOIN patients p ON p.id = a.patient_id
		WHERE a.doctor_id = $1
		ORDER BY a.date, a.created_at
	`, doctorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDetails(rows, false)
}

func collectDetails(rows pgx.Rows, withDoctor bool) ([]AppointmentDetail, error) {
	var out []AppointmentDetail
	for rows.Next() {
		var d AppointmentDetail
		var joinedID *uuid.UUID
		var joinedName, joinedExtra *string
		var joinedCreated, joinedUpdated *time.Time

		err := rows.Scan(
			&d.ID, &d.PatientID, &d.DoctorID, &d.SlotID, &d.Date, &d.Status,
			&d.Notes, &d.PromotedAt, &d.CreatedAt, &d.UpdatedAt,
			&joinedID, &joinedName, &joinedExtra, &joinedCreated, &joinedUpdated,
		)
		if err != nil {
			return nil, err
		}
		if joinedID != nil {
			if withDoctor {
				d.Doctor = &Doctor{
					ID:        *joinedID,
					Name:      derefStr(joinedName),
					Specialty: joinedExtra,
					CreatedAt: derefTime(joinedCreated),
					UpdatedAt: derefTime(joinedUpdated),
				}
			} else {
				d.Patient = &Patient{
					ID:        *joinedID,
					Name:      derefStr(joinedName),
					Email:     joinedExtra,
					CreatedAt: derefTime(joinedCreated),
					UpdatedAt: derefTime(joinedUpdated),
				}
			}
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PgStore) CompletePastAppointments(ctx context.Context, cutoff time.Time) ([]Appointment, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE appointments
		SET status = 'completed',
		    updated_at = now()
		WHERE status IN ('booked', 'rescheduled')
		  AND date < $1
		RETURNING `+apptColumns+`
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PgStore) AppendEvent(ctx context.Context, ev BookingEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO booking_events (event_type, appointment_id, slot_id, payload, created_at)
		VALUES ($1, $2, $3, $4, COALESCE($5, now()))
	`, ev.EventType, ev.AppointmentID, ev.SlotID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert booking event: %w", err)
	}
	return nil
}

// SeedDoctor and SeedPatient upsert directory records; cmd/seed uses them.
func (s *PgStore) SeedDoctor(ctx context.Context, d Doctor) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO doctors (id, name, specialty, created_at, updated_at)
		VALUES ($1, $2, $3, now(), now())
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, specialty = EXCLUDED.specialty, updated_at = now()
	`, d.ID, d.Name, d.Specialty)
	return err
}

func (s *PgStore) SeedPatient(ctx context.Context, p Patient) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO patients (id, name, email, created_at, updated_at)
		VALUES ($1, $2, $3, now(), now())
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, email = EXCLUDED.email, updated_at = now()
	`, p.ID, p.Name, p.Email)
	return err
}

type pgTx struct {
	tx pgx.Tx
}

const slotColumns = `id, doctor_id, date, capacity, created_at, updated_at`

func (t *pgTx) scanLockedSlot(ctx context.Context, row pgx.Row) (*Slot, error) {
	var s Slot
	err := row.Scan(&s.ID, &s.DoctorID, &s.Date, &s.Capacity, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSlotNotFound
		}
		return nil, err
	}
	if err := t.loadSlotState(ctx, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (t *pgTx) loadSlotState(ctx context.Context, s *Slot) error {
	rows, err := t.tx.Query(ctx, `
		SELECT appointment_id, patient_id, seated_at
		FROM slot_occupants
		WHERE slot_id = $1
		ORDER BY seated_at, appointment_id
	`, s.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	s.Occupants = s.Occupants[:0]
	for rows.Next() {
		var o Occupant
		if err := rows.Scan(&o.AppointmentID, &o.PatientID, &o.SeatedAt); err != nil {
			return err
		}
		s.Occupants = append(s.Occupants, o)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	wlRows, err := t.tx.Query(ctx, `
		SELECT patient_id
		FROM slot_waitlist
		WHERE slot_id = $1
		ORDER BY id
	`, s.ID)
	if err != nil {
		return err
	}
	defer wlRows.Close()
	s.Waitlist = s.Waitlist[:0]
	for wlRows.Next() {
		var pid uuid.UUID
		if err := wlRows.Scan(&pid); err != nil {
			return err
		}
		s.Waitlist = append(s.Waitlist, pid)
	}
	return wlRows.Err()
}

func (t *pgTx) FindOrCreateSlot(ctx context.Context, doctorID uuid.UUID, date time.Time, defaultCapacity int) (*Slot, error) {
	date = NormalizeDate(date)

	row := t.tx.QueryRow(ctx, `
		SELECT `+slotColumns+`
		FROM slots
		WHERE doctor_id = $1 AND date = $2
		FOR UPDATE
	`, doctorID, date)
	slot, err := t.scanLockedSlot(ctx, row)
	if err == nil {
		return slot, nil
	}
	if !errors.Is(err, ErrSlotNotFound) {
		return nil, err
	}

	// Lazy creation. A concurrent creator loses on the (doctor_id, date)
	// unique index; DO NOTHING and re-select under the row lock.
	_, err = t.tx.Exec(ctx, `
		INSERT INTO slots (id, doctor_id, date, capacity, created_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
		ON CONFLICT (doctor_id, date) DO NOTHING
	`, uuid.New(), doctorID, date, defaultCapacity)
	if err != nil {
		return nil, err
	}

	row = t.tx.QueryRow(ctx, `
		SELECT `+slotColumns+`
		FROM slots
		WHERE doctor_id = $1 AND date = $2
		FOR UPDATE
	`, doctorID, date)
	return t.scanLockedSlot(ctx, row)
}

func (t *pgTx) SlotByID(ctx context.Context, id uuid.UUID) (*Slot, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+slotColumns+`
		FROM slots
		WHERE id = $1
		FOR UPDATE
	`, id)
	return t.scanLockedSlot(ctx, row)
}

func (t *pgTx) AddOccupant(ctx context.Context, slotID, appointmentID, patientID uuid.UUID) error {
	// The slot row is already locked in this transaction, so the count
	// cannot move under us.
	var seated, capacity int
	err := t.tx.QueryRow(ctx, `
		SELECT (SELECT count(*) FROM slot_occupants WHERE slot_id = $1), capacity
		FROM slots
		WHERE id = $1
	`, slotID).Scan(&seated, &capacity)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrSlotNotFound
		}
		return err
	}
	if seated >= capacity {
		return ErrCapacityExceeded
	}

	_, err = t.tx.Exec(ctx, `
		INSERT INTO slot_occupants (slot_id, appointment_id, patient_id, seated_at)
		VALUES ($1, $2, $3, now())
	`, slotID, appointmentID, patientID)
	return err
}

func (t *pgTx) RemoveOccupant(ctx context.Context, slotID, appointmentID uuid.UUID) error {
	tag, err := t.tx.Exec(ctx, `
		DELETE FROM slot_occupants
		WHERE slot_id = $1 AND appointment_id = $2
	`, slotID, appointmentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrOccupantNotFound
	}
	return nil
}

func (t *pgTx) EnqueueWaitlist(ctx context.Context, slotID, patientID uuid.UUID) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO slot_waitlist (slot_id, patient_id, enqueued_at)
		VALUES ($1, $2, now())
		ON CONFLICT (slot_id, patient_id) DO NOTHING
	`, slotID, patientID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (t *pgTx) DequeueWaitlist(ctx context.Context, slotID uuid.UUID) (uuid.UUID, error) {
	var pid uuid.UUID
	err := t.tx.QueryRow(ctx, `
		DELETE FROM slot_waitlist
		WHERE id = (
			SELECT id FROM slot_waitlist
			WHERE slot_id = $1
			ORDER BY id
			LIMIT 1
		)
		RETURNING patient_id
	`, slotID).Scan(&pid)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, ErrWaitlistEmpty
		}
		return uuid.Nil, err
	}
	return pid, nil
}

func (t *pgTx) RemoveFromWaitlist(ctx context.Context, slotID, patientID uuid.UUID) error {
	_, err := t.tx.Exec(ctx, `
		DELETE FROM slot_waitlist
		WHERE slot_id = $1 AND patient_id = $2
	`, slotID, patientID)
	return err
}

func (t *pgTx) CreateAppointment(ctx context.Context, appt *Appointment) error {
	row := t.tx.QueryRow(ctx, `
		INSERT INTO appointments (id, patient_id, doctor_id, slot_id, date, status, notes, promoted_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
		RETURNING created_at, updated_at
	`, appt.ID, appt.PatientID, appt.DoctorID, appt.SlotID, appt.Date, appt.Status, appt.Notes, appt.PromotedAt)
	return row.Scan(&appt.CreatedAt, &appt.UpdatedAt)
}

func (t *pgTx) AppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+apptColumns+`
		FROM appointments
		WHERE id = $1
		FOR UPDATE
	`, id)
	return scanAppointment(row)
}

func (t *pgTx) UpdateAppointment(ctx context.Context, appt *Appointment) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE appointments
		SET slot_id = $2,
		    date = $3,
		    status = $4,
		    notes = $5,
		    promoted_at = $6,
		    updated_at = now()
		WHERE id = $1
	`, appt.ID, appt.SlotID, appt.Date, appt.Status, appt.Notes, appt.PromotedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
