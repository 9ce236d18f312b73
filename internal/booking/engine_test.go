package booking

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestEngine(t *testing.T, capacity int) (*Engine, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	engine := NewEngine(store, NewMemoryLocker(), zap.NewNop(), EngineConfig{
		DefaultSlotCapacity: capacity,
	})
	return engine, store
}

func futureDate(days int) time.Time {
	return time.Now().UTC().AddDate(0, 0, days).Truncate(time.Minute)
}

func TestBookSeatsUntilCapacityThenWaitlists(t *testing.T) {
	engine, store := newTestEngine(t, 2)
	ctx := context.Background()
	doctor := uuid.New()
	date := futureDate(1)

	p1, p2, p3 := uuid.New(), uuid.New(), uuid.New()

	res1, err := engine.Book(ctx, p1, doctor, date)
	require.NoError(t, err)
	assert.Equal(t, StatusBooked, res1.Status)
	require.NotNil(t, res1.Appointment)
	assert.Equal(t, p1, res1.Appointment.PatientID)

	res2, err := engine.Book(ctx, p2, doctor, date)
	require.NoError(t, err)
	assert.Equal(t, StatusBooked, res2.Status)

	res3, err := engine.Book(ctx, p3, doctor, date)
	require.NoError(t, err)
	assert.Equal(t, StatusWaitlisted, res3.Status)
	assert.Nil(t, res3.Appointment)

	slot, ok := store.SlotSnapshot(doctor, date)
	require.True(t, ok)
	assert.Len(t, slot.Occupants, 2)
	assert.Equal(t, PatientQueue{p3}, slot.Waitlist)
}

func TestBookAgainWhileWaitlistedIsIdempotent(t *testing.T) {
	engine, store := newTestEngine(t, 1)
	ctx := context.Background()
	doctor := uuid.New()
	date := futureDate(1)

	_, err := engine.Book(ctx, uuid.New(), doctor, date)
	require.NoError(t, err)

	waiting := uuid.New()
	for i := 0; i < 3; i++ {
		res, err := engine.Book(ctx, waiting, doctor, date)
		require.NoError(t, err)
		assert.Equal(t, StatusWaitlisted, res.Status)
	}

	slot, ok := store.SlotSnapshot(doctor, date)
	require.True(t, ok)
	assert.Equal(t, PatientQueue{waiting}, slot.Waitlist)
}

func TestBookRejectsSecondSeatInSameSlot(t *testing.T) {
	engine, _ := newTestEngine(t, 5)
	ctx := context.Background()
	doctor := uuid.New()
	date := futureDate(1)
	patient := uuid.New()

	_, err := engine.Book(ctx, patient, doctor, date)
	require.NoError(t, err)

	_, err = engine.Book(ctx, patient, doctor, date)
	assert.ErrorIs(t, err, ErrPatientAlreadyBooked)
}

func TestCancelFreesSeatWithoutWaitlist(t *testing.T) {
	engine, store := newTestEngine(t, 1)
	ctx := context.Background()
	doctor := uuid.New()
	date := futureDate(1)
	patient := uuid.New()

	res, err := engine.Book(ctx, patient, doctor, date)
	require.NoError(t, err)

	require.NoError(t, engine.Cancel(ctx, res.Appointment.ID, patient))

	got, err := store.AppointmentByID(ctx, res.Appointment.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	slot, ok := store.SlotSnapshot(doctor, date)
	require.True(t, ok)
	assert.Empty(t, slot.Occupants)
}

func TestCancelPromotesWaitlistInArrivalOrder(t *testing.T) {
	engine, store := newTestEngine(t, 1)
	ctx := context.Background()
	doctor := uuid.New()
	date := futureDate(1)

	seated, first, second := uuid.New(), uuid.New(), uuid.New()

	res, err := engine.Book(ctx, seated, doctor, date)
	require.NoError(t, err)
	_, err = engine.Book(ctx, first, doctor, date)
	require.NoError(t, err)
	_, err = engine.Book(ctx, second, doctor, date)
	require.NoError(t, err)

	require.NoError(t, engine.Cancel(ctx, res.Appointment.ID, seated))

	slot, ok := store.SlotSnapshot(doctor, date)
	require.True(t, ok)
	require.Len(t, slot.Occupants, 1)
	assert.Equal(t, first, slot.Occupants[0].PatientID)
	assert.Equal(t, PatientQueue{second}, slot.Waitlist)

	promoted, err := store.AppointmentByID(ctx, slot.Occupants[0].AppointmentID)
	require.NoError(t, err)
	assert.Equal(t, StatusBooked, promoted.Status)
	require.NotNil(t, promoted.PromotedAt)

	// The next cancellation promotes the remaining patient.
	require.NoError(t, engine.Cancel(ctx, promoted.ID, first))

	slot, _ = store.SlotSnapshot(doctor, date)
	require.Len(t, slot.Occupants, 1)
	assert.Equal(t, second, slot.Occupants[0].PatientID)
	assert.Empty(t, slot.Waitlist)
}

func TestCancelRequiresOwnership(t *testing.T) {
	engine, _ := newTestEngine(t, 1)
	ctx := context.Background()
	patient := uuid.New()

	res, err := engine.Book(ctx, patient, uuid.New(), futureDate(1))
	require.NoError(t, err)

	err = engine.Cancel(ctx, res.Appointment.ID, uuid.New())
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestCancelTwiceFails(t *testing.T) {
	engine, _ := newTestEngine(t, 1)
	ctx := context.Background()
	patient := uuid.New()

	res, err := engine.Book(ctx, patient, uuid.New(), futureDate(1))
	require.NoError(t, err)

	require.NoError(t, engine.Cancel(ctx, res.Appointment.ID, patient))
	err = engine.Cancel(ctx, res.Appointment.ID, patient)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestCancelUnknownAppointment(t *testing.T) {
	engine, _ := newTestEngine(t, 1)

	err := engine.Cancel(context.Background(), uuid.New(), uuid.New())
	assert.ErrorIs(t, err, ErrAppointmentNotFound)
}

func TestCancelWaitlistedAppointmentRemovesQueueEntry(t *testing.T) {
	engine, store := newTestEngine(t, 1)
	ctx := context.Background()
	doctorA, doctorB := uuid.New(), uuid.New()
	dateA, dateB := futureDate(1), futureDate(2)

	// Fill doctorB's slot so the reschedule below lands on its waitlist.
	occupant := uuid.New()
	_, err := engine.Book(ctx, occupant, doctorB, dateB)
	require.NoError(t, err)

	patient := uuid.New()
	res, err := engine.Book(ctx, patient, doctorA, dateA)
	require.NoError(t, err)

	moved, err := engine.Reschedule(ctx, res.Appointment.ID, patient, doctorB, dateB)
	require.NoError(t, err)
	require.Equal(t, StatusWaitlisted, moved.Status)

	require.NoError(t, engine.Cancel(ctx, res.Appointment.ID, patient))

	slotB, ok := store.SlotSnapshot(doctorB, dateB)
	require.True(t, ok)
	assert.Empty(t, slotB.Waitlist)
	require.Len(t, slotB.Occupants, 1)
	assert.Equal(t, occupant, slotB.Occupants[0].PatientID)
}

func TestRescheduleMovesSeatAcrossSlots(t *testing.T) {
	engine, store := newTestEngine(t, 1)
	ctx := context.Background()
	doctor := uuid.New()
	oldDate, newDate := futureDate(1), futureDate(2)
	patient := uuid.New()

	res, err := engine.Book(ctx, patient, doctor, oldDate)
	require.NoError(t, err)

	moved, err := engine.Reschedule(ctx, res.Appointment.ID, patient, doctor, newDate)
	require.NoError(t, err)
	assert.Equal(t, StatusBooked, moved.Status)
	assert.Equal(t, StatusRescheduled, moved.Appointment.Status)
	assert.True(t, moved.Appointment.Date.Equal(NormalizeDate(newDate)))

	oldSlot, ok := store.SlotSnapshot(doctor, oldDate)
	require.True(t, ok)
	assert.Empty(t, oldSlot.Occupants)

	newSlot, ok := store.SlotSnapshot(doctor, newDate)
	require.True(t, ok)
	require.Len(t, newSlot.Occupants, 1)
	assert.Equal(t, patient, newSlot.Occupants[0].PatientID)
}

func TestReschedulePromotesVacatedSlot(t *testing.T) {
	engine, store := newTestEngine(t, 1)
	ctx := context.Background()
	doctor := uuid.New()
	oldDate, newDate := futureDate(1), futureDate(2)

	patient, waiting := uuid.New(), uuid.New()

	res, err := engine.Book(ctx, patient, doctor, oldDate)
	require.NoError(t, err)
	_, err = engine.Book(ctx, waiting, doctor, oldDate)
	require.NoError(t, err)

	_, err = engine.Reschedule(ctx, res.Appointment.ID, patient, doctor, newDate)
	require.NoError(t, err)

	oldSlot, ok := store.SlotSnapshot(doctor, oldDate)
	require.True(t, ok)
	require.Len(t, oldSlot.Occupants, 1)
	assert.Equal(t, waiting, oldSlot.Occupants[0].PatientID)
	assert.Empty(t, oldSlot.Waitlist)
}

func TestRescheduleIntoFullSlotWaitlists(t *testing.T) {
	engine, store := newTestEngine(t, 1)
	ctx := context.Background()
	doctor := uuid.New()
	oldDate, newDate := futureDate(1), futureDate(2)

	_, err := engine.Book(ctx, uuid.New(), doctor, newDate)
	require.NoError(t, err)

	patient := uuid.New()
	res, err := engine.Book(ctx, patient, doctor, oldDate)
	require.NoError(t, err)

	moved, err := engine.Reschedule(ctx, res.Appointment.ID, patient, doctor, newDate)
	require.NoError(t, err)
	assert.Equal(t, StatusWaitlisted, moved.Status)
	assert.Equal(t, StatusWaitlisted, moved.Appointment.Status)

	newSlot, ok := store.SlotSnapshot(doctor, newDate)
	require.True(t, ok)
	assert.Equal(t, PatientQueue{patient}, newSlot.Waitlist)
}

func TestRescheduleSamePairYieldsSeatToWaitlist(t *testing.T) {
	engine, store := newTestEngine(t, 1)
	ctx := context.Background()
	doctor := uuid.New()
	date := futureDate(1)

	patient, waiting := uuid.New(), uuid.New()

	res, err := engine.Book(ctx, patient, doctor, date)
	require.NoError(t, err)
	_, err = engine.Book(ctx, waiting, doctor, date)
	require.NoError(t, err)

	// Detach then reattach within one slot: the waiting patient takes the
	// freed seat and the mover joins the back of the queue.
	moved, err := engine.Reschedule(ctx, res.Appointment.ID, patient, doctor, date)
	require.NoError(t, err)
	assert.Equal(t, StatusWaitlisted, moved.Status)

	slot, ok := store.SlotSnapshot(doctor, date)
	require.True(t, ok)
	require.Len(t, slot.Occupants, 1)
	assert.Equal(t, waiting, slot.Occupants[0].PatientID)
	assert.Equal(t, PatientQueue{patient}, slot.Waitlist)
}

func TestRescheduleRejectsSlotWherePatientAlreadySeated(t *testing.T) {
	engine, store := newTestEngine(t, 2)
	ctx := context.Background()
	doctor := uuid.New()
	dateA, dateB := futureDate(1), futureDate(2)
	patient := uuid.New()

	resA, err := engine.Book(ctx, patient, doctor, dateA)
	require.NoError(t, err)
	_, err = engine.Book(ctx, patient, doctor, dateB)
	require.NoError(t, err)

	_, err = engine.Reschedule(ctx, resA.Appointment.ID, patient, doctor, dateB)
	assert.ErrorIs(t, err, ErrPatientAlreadyBooked)

	// The failed move rolled back: the original seat is untouched.
	slotA, ok := store.SlotSnapshot(doctor, dateA)
	require.True(t, ok)
	require.Len(t, slotA.Occupants, 1)
	assert.Equal(t, patient, slotA.Occupants[0].PatientID)
}

func TestConcurrentBookingNeverOverfills(t *testing.T) {
	engine, store := newTestEngine(t, 1)
	doctor := uuid.New()
	date := futureDate(1)

	const patients = 8
	results := make([]AppointmentStatus, patients)
	errs := make([]error, patients)

	var wg sync.WaitGroup
	for i := 0; i < patients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := engine.Book(context.Background(), uuid.New(), doctor, date)
			if err != nil {
				errs[i] = err
				return
			}
			results[i] = res.Status
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	booked, waitlisted := 0, 0
	for _, s := range results {
		switch s {
		case StatusBooked:
			booked++
		case StatusWaitlisted:
			waitlisted++
		}
	}
	assert.Equal(t, 1, booked)
	assert.Equal(t, patients-1, waitlisted)

	slot, ok := store.SlotSnapshot(doctor, date)
	require.True(t, ok)
	assert.Len(t, slot.Occupants, 1)
	assert.Len(t, slot.Waitlist, patients-1)
}

func TestCompletePastAppointments(t *testing.T) {
	engine, store := newTestEngine(t, 5)
	ctx := context.Background()
	doctor := uuid.New()
	patient := uuid.New()

	past := time.Now().UTC().Add(-48 * time.Hour)
	res, err := engine.Book(ctx, patient, doctor, past)
	require.NoError(t, err)

	_, err = engine.Book(ctx, uuid.New(), doctor, futureDate(1))
	require.NoError(t, err)

	n, err := engine.CompletePastAppointments(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.AppointmentByID(ctx, res.Appointment.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)

	// A second sweep finds nothing left to flip.
	n, err = engine.CompletePastAppointments(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBookingEmitsAuditEvents(t *testing.T) {
	engine, store := newTestEngine(t, 1)
	ctx := context.Background()
	doctor := uuid.New()
	date := futureDate(1)

	res, err := engine.Book(ctx, uuid.New(), doctor, date)
	require.NoError(t, err)
	_, err = engine.Book(ctx, uuid.New(), doctor, date)
	require.NoError(t, err)
	require.NoError(t, engine.Cancel(ctx, res.Appointment.ID, res.Appointment.PatientID))

	var types []string
	for _, ev := range store.Events() {
		types = append(types, ev.EventType)
	}
	assert.Equal(t, []string{
		EventBooked,
		EventWaitlisted,
		EventCancelled,
		EventPromoted,
	}, types)
}

func TestListByPatientAndDoctor(t *testing.T) {
	engine, store := newTestEngine(t, 5)
	ctx := context.Background()
	doctor := uuid.New()
	patient := uuid.New()

	store.PutDoctor(Doctor{ID: doctor, Name: "Dr. Rivera"})
	store.PutPatient(Patient{ID: patient, Name: "Sam Ortiz"})

	_, err := engine.Book(ctx, patient, doctor, futureDate(2))
	require.NoError(t, err)
	_, err = engine.Book(ctx, patient, doctor, futureDate(1))
	require.NoError(t, err)

	mine, err := engine.ListByPatient(ctx, patient)
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.True(t, mine[0].Date.Before(mine[1].Date))
	require.NotNil(t, mine[0].Doctor)
	assert.Equal(t, "Dr. Rivera", mine[0].Doctor.Name)

	forDoctor, err := engine.ListByDoctor(ctx, doctor)
	require.NoError(t, err)
	assert.Len(t, forDoctor, 2)
	require.NotNil(t, forDoctor[0].Patient)
	assert.Equal(t, "Sam Ortiz", forDoctor[0].Patient.Name)
}
