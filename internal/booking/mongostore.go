package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore persists slots as single documents carrying their occupant and
// waitlist arrays, the same shape the service's data has always had. Slot and
// appointment mutations commit through a session transaction; transient
// transaction errors map to ErrTxConflict for the engine to retry.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
}

func NewMongoStore(client *mongo.Client, dbName string) *MongoStore {
	return &MongoStore{client: client, db: client.Database(dbName)}
}

func (s *MongoStore) slots() *mongo.Collection        { return s.db.Collection("slots") }
func (s *MongoStore) appointments() *mongo.Collection { return s.db.Collection("appointments") }
func (s *MongoStore) doctors() *mongo.Collection      { return s.db.Collection("doctors") }
func (s *MongoStore) patients() *mongo.Collection     { return s.db.Collection("patients") }
func (s *MongoStore) events() *mongo.Collection       { return s.db.Collection("booking_events") }

// EnsureIndexes creates the uniqueness constraints the booking engine relies
// on: one slot per (doctorId, date), one waitlist entry per patient.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.slots().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "doctorId", Value: 1}, {Key: "date", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("create slot index: %w", err)
	}
	_, err = s.appointments().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "patientId", Value: 1}, {Key: "slotId", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("create appointment index: %w", err)
	}
	return nil
}

func (s *MongoStore) WithinSlotTx(ctx context.Context, fn func(tx Tx) error) error {
	sess, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(&mongoTx{store: s, sc: sc})
	})
	if err != nil {
		return mapMongoErr(err)
	}
	return nil
}

func mapMongoErr(err error) error {
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		if cmdErr.HasErrorLabel("TransientTransactionError") || cmdErr.HasErrorLabel("UnknownTransactionCommitResult") {
			return fmt.Errorf("%w: %s", ErrTxConflict, cmdErr.Message)
		}
	}
	if mongo.IsDuplicateKeyError(err) {
		// Lost a find-or-create race on (doctorId, date).
		return fmt.Errorf("%w: %v", ErrTxConflict, err)
	}
	return err
}

type slotDoc struct {
	ID        string        `bson:"_id"`
	DoctorID  string        `bson:"doctorId"`
	Date      time.Time     `bson:"date"`
	Capacity  int           `bson:"capacity"`
	Occupants []occupantDoc `bson:"appointments"`
	Waitlist  []string      `bson:"waitlist"`
	CreatedAt time.Time     `bson:"createdAt"`
	UpdatedAt time.Time     `bson:"updatedAt"`
}

type occupantDoc struct {
	AppointmentID string    `bson:"appointmentId"`
	PatientID     string    `bson:"patientId"`
	SeatedAt      time.Time `bson:"seatedAt"`
}

type apptDoc struct {
	ID         string     `bson:"_id"`
	PatientID  string     `bson:"patientId"`
	DoctorID   string     `bson:"doctorId"`
	SlotID     string     `bson:"slotId"`
	Date       time.Time  `bson:"date"`
	Status     string     `bson:"status"`
	Notes      string     `bson:"notes"`
	PromotedAt *time.Time `bson:"promotedAt,omitempty"`
	CreatedAt  time.Time  `bson:"createdAt"`
	UpdatedAt  time.Time  `bson:"updatedAt"`
}

type directoryDoc struct {
	ID        string    `bson:"_id"`
	Name      string    `bson:"name"`
	Specialty *string   `bson:"specialty,omitempty"`
	Email     *string   `bson:"email,omitempty"`
	CreatedAt time.Time `bson:"createdAt"`
	UpdatedAt time.Time `bson:"updatedAt"`
}

func (d *slotDoc) toSlot() (*Slot, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return nil, fmt.Errorf("parse slot id: %w", err)
	}
	doctorID, err := uuid.Parse(d.DoctorID)
	if err != nil {
		return nil, fmt.Errorf("parse doctor id: %w", err)
	}
	s := &Slot{
		ID:        id,
		DoctorID:  doctorID,
		Date:      d.Date.UTC(),
		Capacity:  d.Capacity,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
	for _, o := range d.Occupants {
		apptID, err := uuid.Parse(o.AppointmentID)
		if err != nil {
			return nil, fmt.Errorf("parse occupant appointment id: %w", err)
		}
		patientID, err := uuid.Parse(o.PatientID)
		if err != nil {
			return nil, fmt.Errorf("parse occupant patient id: %w", err)
		}
		s.Occupants = append(s.Occupants, Occupant{AppointmentID: apptID, PatientID: patientID, SeatedAt: o.SeatedAt})
	}
	for _, w := range d.Waitlist {
		pid, err := uuid.Parse(w)
		if err != nil {
			return nil, fmt.Errorf("parse waitlist patient id: %w", err)
		}
		s.Waitlist = append(s.Waitlist, pid)
	}
	return s, nil
}

func (d *apptDoc) toAppointment() (*Appointment, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return nil, fmt.Errorf("parse appointment id: %w", err)
	}
	patientID, err := uuid.Parse(d.PatientID)
	if err != nil {
		return nil, fmt.Errorf("parse patient id: %w", err)
	}
	doctorID, err := uuid.Parse(d.DoctorID)
	if err != nil {
		return nil, fmt.Errorf("parse doctor id: %w", err)
	}
	slotID, err := uuid.Parse(d.SlotID)
	if err != nil {
		return nil, fmt.Errorf("parse slot id: %w", err)
	}
	return &Appointment{
		ID:         id,
		PatientID:  patientID,
		DoctorID:   doctorID,
		SlotID:     slotID,
		Date:       d.Date.UTC(),
		Status:     AppointmentStatus(d.Status),
		Notes:      d.Notes,
		PromotedAt: d.PromotedAt,
		CreatedAt:  d.CreatedAt,
		UpdatedAt:  d.UpdatedAt,
	}, nil
}

func fromAppointment(a *Appointment) apptDoc {
	return apptDoc{
		ID:         a.ID.String(),
		PatientID:  a.PatientID.String(),
		DoctorID:   a.DoctorID.String(),
		SlotID:     a.SlotID.String(),
		Date:       a.Date,
		Status:     string(a.Status),
		Notes:      a.Notes,
		PromotedAt: a.PromotedAt,
		CreatedAt:  a.CreatedAt,
		UpdatedAt:  a.UpdatedAt,
	}
}

func (s *MongoStore) AppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	var doc apptDoc
	err := s.appointments().FindOne(ctx, bson.M{"_id": id.String()}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}
	return doc.toAppointment()
}

func (s *MongoStore) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]AppointmentDetail, error) {
	return s.list(ctx, bson.M{"patientId": patientID.String()}, true)
}

func (s *MongoStore) ListByDoctor(ctx context.Context, doctorID uuid.UUID) ([]AppointmentDetail, error) {
	return s.list(ctx, bson.M{"doctorId": doctorID.String()}, false)
}

func (s *MongoStore) list(ctx context.Context, filter bson.M, withDoctor bool) ([]AppointmentDetail, error) {
	cur, err := s.appointments().Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "date", Value: 1}, {Key: "createdAt", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var docs []apptDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}

	out := make([]AppointmentDetail, 0, len(docs))
	directory := map[string]*directoryDoc{}
	for _, doc := range docs {
		a, err := doc.toAppointment()
		if err != nil {
			return nil, err
		}
		detail := AppointmentDetail{Appointment: *a}

		refID := doc.DoctorID
		coll := s.doctors()
		if !withDoctor {
			refID = doc.PatientID
			coll = s.patients()
		}
		ref, ok := directory[refID]
		if !ok {
			var d directoryDoc
			err := coll.FindOne(ctx, bson.M{"_id": refID}).Decode(&d)
			if err == nil {
				ref = &d
			} else if !errors.Is(err, mongo.ErrNoDocuments) {
				return nil, err
			}
			directory[refID] = ref
		}
		if ref != nil {
			refUUID, err := uuid.Parse(ref.ID)
			if err != nil {
				return nil, fmt.Errorf("parse directory id: %w", err)
			}
			if withDoctor {
				detail.Doctor = &Doctor{ID: refUUID, Name: ref.Name, Specialty: ref.Specialty, CreatedAt: ref.CreatedAt, UpdatedAt: ref.UpdatedAt}
			} else {
				detail.Patient = &Patient{ID: refUUID, Name: ref.Name, Email: ref.Email, CreatedAt: ref.CreatedAt, UpdatedAt: ref.UpdatedAt}
			}
		}
		out = append(out, detail)
	}
	return out, nil
}

func (s *MongoStore) CompletePastAppointments(ctx context.Context, cutoff time.Time) ([]Appointment, error) {
	filter := bson.M{
		"status": bson.M{"$in": bson.A{string(StatusBooked), string(StatusRescheduled)}},
		"date":   bson.M{"$lt": cutoff},
	}
	cur, err := s.appointments().Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	var docs []apptDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}

	ids := make(bson.A, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.ID)
	}
	now := time.Now().UTC()
	_, err = s.appointments().UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": ids}, "status": bson.M{"$in": bson.A{string(StatusBooked), string(StatusRescheduled)}}},
		bson.M{"$set": bson.M{"status": string(StatusCompleted), "updatedAt": now}},
	)
	if err != nil {
		return nil, err
	}

	out := make([]Appointment, 0, len(docs))
	for _, d := range docs {
		a, err := d.toAppointment()
		if err != nil {
			return nil, err
		}
		a.Status = StatusCompleted
		a.UpdatedAt = now
		out = append(out, *a)
	}
	return out, nil
}

func (s *MongoStore) AppendEvent(ctx context.Context, ev BookingEvent) error {
	doc := bson.M{
		"eventType": ev.EventType,
		"payload":   ev.Payload,
		"createdAt": ev.CreatedAt,
	}
	if ev.AppointmentID != nil {
		doc["appointmentId"] = ev.AppointmentID.String()
	}
	if ev.SlotID != nil {
		doc["slotId"] = ev.SlotID.String()
	}
	if _, err := s.events().InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert booking event: %w", err)
	}
	return nil
}

// mongoTx runs every operation on the session context so it joins the
// enclosing transaction regardless of the ctx the engine threads through.
type mongoTx struct {
	store *MongoStore
	sc    mongo.SessionContext
}

func (t *mongoTx) FindOrCreateSlot(ctx context.Context, doctorID uuid.UUID, date time.Time, defaultCapacity int) (*Slot, error) {
	date = NormalizeDate(date)
	now := time.Now().UTC()

	filter := bson.M{"doctorId": doctorID.String(), "date": date}
	update := bson.M{"$setOnInsert": bson.M{
		"_id":          uuid.New().String(),
		"doctorId":     doctorID.String(),
		"date":         date,
		"capacity":     defaultCapacity,
		"appointments": bson.A{},
		"waitlist":     bson.A{},
		"createdAt":    now,
		"updatedAt":    now,
	}}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var doc slotDoc
	if err := t.store.slots().FindOneAndUpdate(t.sc, filter, update, opts).Decode(&doc); err != nil {
		return nil, err
	}
	return doc.toSlot()
}

func (t *mongoTx) SlotByID(ctx context.Context, id uuid.UUID) (*Slot, error) {
	var doc slotDoc
	err := t.store.slots().FindOne(t.sc, bson.M{"_id": id.String()}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrSlotNotFound
		}
		return nil, err
	}
	return doc.toSlot()
}

func (t *mongoTx) AddOccupant(ctx context.Context, slotID, appointmentID, patientID uuid.UUID) error {
	res, err := t.store.slots().UpdateOne(t.sc,
		bson.M{
			"_id":   slotID.String(),
			"$expr": bson.M{"$lt": bson.A{bson.M{"$size": "$appointments"}, "$capacity"}},
		},
		bson.M{
			"$push": bson.M{"appointments": occupantDoc{
				AppointmentID: appointmentID.String(),
				PatientID:     patientID.String(),
				SeatedAt:      time.Now().UTC(),
			}},
			"$set": bson.M{"updatedAt": time.Now().UTC()},
		},
	)
	if err != nil {
		return err
	}
	if res.ModifiedCount == 0 {
		if _, err := t.SlotByID(ctx, slotID); err != nil {
			return err
		}
		return ErrCapacityExceeded
	}
	return nil
}

func (t *mongoTx) RemoveOccupant(ctx context.Context, slotID, appointmentID uuid.UUID) error {
	res, err := t.store.slots().UpdateOne(t.sc,
		bson.M{"_id": slotID.String()},
		bson.M{
			"$pull": bson.M{"appointments": bson.M{"appointmentId": appointmentID.String()}},
			"$set":  bson.M{"updatedAt": time.Now().UTC()},
		},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrSlotNotFound
	}
	if res.ModifiedCount == 0 {
		return ErrOccupantNotFound
	}
	return nil
}

func (t *mongoTx) EnqueueWaitlist(ctx context.Context, slotID, patientID uuid.UUID) (bool, error) {
	res, err := t.store.slots().UpdateOne(t.sc,
		bson.M{"_id": slotID.String()},
		bson.M{
			"$addToSet": bson.M{"waitlist": patientID.String()},
			"$set":      bson.M{"updatedAt": time.Now().UTC()},
		},
	)
	if err != nil {
		return false, err
	}
	if res.MatchedCount == 0 {
		return false, ErrSlotNotFound
	}
	return res.ModifiedCount > 0, nil
}

func (t *mongoTx) DequeueWaitlist(ctx context.Context, slotID uuid.UUID) (uuid.UUID, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.Before)
	var before slotDoc
	err := t.store.slots().FindOneAndUpdate(t.sc,
		bson.M{"_id": slotID.String()},
		bson.M{
			"$pop": bson.M{"waitlist": -1},
			"$set": bson.M{"updatedAt": time.Now().UTC()},
		},
		opts,
	).Decode(&before)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return uuid.Nil, ErrSlotNotFound
		}
		return uuid.Nil, err
	}
	if len(before.Waitlist) == 0 {
		return uuid.Nil, ErrWaitlistEmpty
	}
	return uuid.Parse(before.Waitlist[0])
}

func (t *mongoTx) RemoveFromWaitlist(ctx context.Context, slotID, patientID uuid.UUID) error {
	res, err := t.store.slots().UpdateOne(t.sc,
		bson.M{"_id": slotID.String()},
		bson.M{
			"$pull": bson.M{"waitlist": patientID.String()},
			"$set":  bson.M{"updatedAt": time.Now().UTC()},
		},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrSlotNotFound
	}
	return nil
}

func (t *mongoTx) CreateAppointment(ctx context.Context, appt *Appointment) error {
	now := time.Now().UTC()
	appt.CreatedAt = now
	appt.UpdatedAt = now
	_, err := t.store.appointments().InsertOne(t.sc, fromAppointment(appt))
	return err
}

func (t *mongoTx) AppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	var doc apptDoc
	err := t.store.appointments().FindOne(t.sc, bson.M{"_id": id.String()}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}
	return doc.toAppointment()
}

func (t *mongoTx) UpdateAppointment(ctx context.Context, appt *Appointment) error {
	appt.UpdatedAt = time.Now().UTC()
	doc := fromAppointment(appt)
	res, err := t.store.appointments().ReplaceOne(t.sc, bson.M{"_id": doc.ID}, doc)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}
