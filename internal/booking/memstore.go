package booking

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps all booking state in process. It is the store used by the
// test suite and by STORE_DRIVER=memory deployments. Transactions take the
// store-wide mutex and roll back by restoring a snapshot, which gives the
// engine the same commit-or-nothing contract as the database stores.
type MemoryStore struct {
	mu        sync.Mutex
	slots     map[uuid.UUID]*Slot
	slotByKey map[string]uuid.UUID
	appts     map[uuid.UUID]*Appointment
	doctors   map[uuid.UUID]*Doctor
	patients  map[uuid.UUID]*Patient
	events    []BookingEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		slots:     make(map[uuid.UUID]*Slot),
		slotByKey: make(map[string]uuid.UUID),
		appts:     make(map[uuid.UUID]*Appointment),
		doctors:   make(map[uuid.UUID]*Doctor),
		patients:  make(map[uuid.UUID]*Patient),
	}
}

func (m *MemoryStore) WithinSlotTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapSlots := make(map[uuid.UUID]*Slot, len(m.slots))
	for id, s := range m.slots {
		snapSlots[id] = cloneSlot(s)
	}
	snapKeys := make(map[string]uuid.UUID, len(m.slotByKey))
	for k, v := range m.slotByKey {
		snapKeys[k] = v
	}
	snapAppts := make(map[uuid.UUID]*Appointment, len(m.appts))
	for id, a := range m.appts {
		snapAppts[id] = cloneAppointment(a)
	}

	if err := fn(&memTx{store: m}); err != nil {
		m.slots = snapSlots
		m.slotByKey = snapKeys
		m.appts = snapAppts
		return err
	}
	return nil
}

func (m *MemoryStore) AppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return cloneAppointment(a), nil
}

func (m *MemoryStore) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]AppointmentDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []AppointmentDetail
	for _, a := range m.appts {
		if a.PatientID != patientID {
			continue
		}
		out = append(out, m.hydrate(a))
	}
	sortDetails(out)
	return out, nil
}

func (m *MemoryStore) ListByDoctor(ctx context.Context, doctorID uuid.UUID) ([]AppointmentDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []AppointmentDetail
	for _, a := range m.appts {
		if a.DoctorID != doctorID {
			continue
		}
		out = append(out, m.hydrate(a))
	}
	sortDetails(out)
	return out, nil
}

func (m *MemoryStore) CompletePastAppointments(ctx context.Context, cutoff time.Time) ([]Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var completed []Appointment
	for _, a := range m.appts {
		if !a.Status.Seated() || !a.Date.Before(cutoff) {
			continue
		}
		a.Status = StatusCompleted
		a.UpdatedAt = time.Now().UTC()
		completed = append(completed, *cloneAppointment(a))
	}
	return completed, nil
}

func (m *MemoryStore) AppendEvent(ctx context.Context, ev BookingEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev.ID = int64(len(m.events) + 1)
	m.events = append(m.events, ev)
	return nil
}

// Events returns a copy of the audit trail, oldest first.
func (m *MemoryStore) Events() []BookingEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]BookingEvent(nil), m.events...)
}

// PutDoctor registers a directory record used to hydrate listings.
func (m *MemoryStore) PutDoctor(d Doctor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doctors[d.ID] = &d
}

func (m *MemoryStore) PutPatient(p Patient) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patients[p.ID] = &p
}

// SlotSnapshot exposes a copy of one slot's current state, mainly so tests
// and the simulator can check invariants without reaching into internals.
func (m *MemoryStore) SlotSnapshot(doctorID uuid.UUID, date time.Time) (*Slot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.slotByKey[slotKey(doctorID, date)]
	if !ok {
		return nil, false
	}
	return cloneSlot(m.slots[id]), true
}

func (m *MemoryStore) hydrate(a *Appointment) AppointmentDetail {
	d := AppointmentDetail{Appointment: *cloneAppointment(a)}
	if doc, ok := m.doctors[a.DoctorID]; ok {
		cp := *doc
		d.Doctor = &cp
	}
	if pat, ok := m.patients[a.PatientID]; ok {
		cp := *pat
		d.Patient = &cp
	}
	return d
}

// memTx mutates the live maps; rollback happens in WithinSlotTx by restoring
// the pre-transaction snapshot.
type memTx struct {
	store *MemoryStore
}

func (t *memTx) FindOrCreateSlot(ctx context.Context, doctorID uuid.UUID, date time.Time, defaultCapacity int) (*Slot, error) {
	key := slotKey(doctorID, date)
	if id, ok := t.store.slotByKey[key]; ok {
		return cloneSlot(t.store.slots[id]), nil
	}

	now := time.Now().UTC()
	slot := &Slot{
		ID:        uuid.New(),
		DoctorID:  doctorID,
		Date:      NormalizeDate(date),
		Capacity:  defaultCapacity,
		CreatedAt: now,
		UpdatedAt: now,
	}
	t.store.slots[slot.ID] = slot
	t.store.slotByKey[key] = slot.ID
	return cloneSlot(slot), nil
}

func (t *memTx) SlotByID(ctx context.Context, id uuid.UUID) (*Slot, error) {
	slot, ok := t.store.slots[id]
	if !ok {
		return nil, ErrSlotNotFound
	}
	return cloneSlot(slot), nil
}

func (t *memTx) AddOccupant(ctx context.Context, slotID, appointmentID, patientID uuid.UUID) error {
	slot, ok := t.store.slots[slotID]
	if !ok {
		return ErrSlotNotFound
	}
	if len(slot.Occupants) >= slot.Capacity {
		return ErrCapacityExceeded
	}
	slot.Occupants = append(slot.Occupants, Occupant{
		AppointmentID: appointmentID,
		PatientID:     patientID,
		SeatedAt:      time.Now().UTC(),
	})
	slot.UpdatedAt = time.Now().UTC()
	return nil
}

func (t *memTx) RemoveOccupant(ctx context.Context, slotID, appointmentID uuid.UUID) error {
	slot, ok := t.store.slots[slotID]
	if !ok {
		return ErrSlotNotFound
	}
	for i, o := range slot.Occupants {
		if o.AppointmentID == appointmentID {
			slot.Occupants = append(slot.Occupants[:i:i], slot.Occupants[i+1:]...)
			slot.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return ErrOccupantNotFound
}

func (t *memTx) EnqueueWaitlist(ctx context.Context, slotID, patientID uuid.UUID) (bool, error) {
	slot, ok := t.store.slots[slotID]
	if !ok {
		return false, ErrSlotNotFound
	}
	added := slot.Waitlist.Enqueue(patientID)
	if added {
		slot.UpdatedAt = time.Now().UTC()
	}
	return added, nil
}

func (t *memTx) DequeueWaitlist(ctx context.Context, slotID uuid.UUID) (uuid.UUID, error) {
	slot, ok := t.store.slots[slotID]
	if !ok {
		return uuid.Nil, ErrSlotNotFound
	}
	front, ok := slot.Waitlist.Dequeue()
	if !ok {
		return uuid.Nil, ErrWaitlistEmpty
	}
	slot.UpdatedAt = time.Now().UTC()
	return front, nil
}

func (t *memTx) RemoveFromWaitlist(ctx context.Context, slotID, patientID uuid.UUID) error {
	slot, ok := t.store.slots[slotID]
	if !ok {
		return ErrSlotNotFound
	}
	if slot.Waitlist.Remove(patientID) {
		slot.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (t *memTx) CreateAppointment(ctx context.Context, appt *Appointment) error {
	now := time.Now().UTC()
	appt.CreatedAt = now
	appt.UpdatedAt = now
	t.store.appts[appt.ID] = cloneAppointment(appt)
	return nil
}

func (t *memTx) AppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, ok := t.store.appts[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return cloneAppointment(a), nil
}

func (t *memTx) UpdateAppointment(ctx context.Context, appt *Appointment) error {
	if _, ok := t.store.appts[appt.ID]; !ok {
		return ErrAppointmentNotFound
	}
	appt.UpdatedAt = time.Now().UTC()
	t.store.appts[appt.ID] = cloneAppointment(appt)
	return nil
}

func cloneSlot(s *Slot) *Slot {
	cp := *s
	cp.Occupants = append([]Occupant(nil), s.Occupants...)
	cp.Waitlist = append(PatientQueue(nil), s.Waitlist...)
	return &cp
}

func cloneAppointment(a *Appointment) *Appointment {
	cp := *a
	if a.PromotedAt != nil {
		t := *a.PromotedAt
		cp.PromotedAt = &t
	}
	return &cp
}

func sortDetails(details []AppointmentDetail) {
	sort.Slice(details, func(i, j int) bool {
		if !details[i].Date.Equal(details[j].Date) {
			return details[i].Date.Before(details[j].Date)
		}
		return details[i].CreatedAt.Before(details[j].CreatedAt)
	})
}
