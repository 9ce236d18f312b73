package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shahrin-2002/CSE471/internal/booking"
)

func newTestServer(t *testing.T, capacity int, secret string) (http.Handler, *booking.MemoryStore) {
	t.Helper()
	store := booking.NewMemoryStore()
	engine := booking.NewEngine(store, booking.NewMemoryLocker(), zap.NewNop(), booking.EngineConfig{
		DefaultSlotCapacity: capacity,
	})
	handler := NewRouter(RouterConfig{
		Service:   engine,
		Log:       zap.NewNop(),
		JWTSecret: secret,
		Env:       "test",
		Version:   "test",
	})
	return handler, store
}

func doJSON(t *testing.T, handler http.Handler, method, path string, patientID uuid.UUID, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if patientID != uuid.Nil {
		req.Header.Set("X-Patient-ID", patientID.String())
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func bookBody(doctorID uuid.UUID, date time.Time) map[string]string {
	return map[string]string{
		"doctor_id": doctorID.String(),
		"date":      date.Format(time.RFC3339),
	}
}

func TestBookEndpoint(t *testing.T) {
	handler, _ := newTestServer(t, 1, "")
	doctor := uuid.New()
	date := time.Now().UTC().AddDate(0, 0, 1).Truncate(time.Minute)

	w := doJSON(t, handler, http.MethodPost, "/appointments/book", uuid.New(), bookBody(doctor, date))
	require.Equal(t, http.StatusOK, w.Code)

	var booked BookResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &booked))
	assert.Equal(t, "booked", booked.Status)
	require.NotNil(t, booked.Appointment)
	assert.Equal(t, doctor, booked.Appointment.DoctorID)

	// Slot has one seat, so the second patient lands on the waitlist and
	// gets no appointment back.
	w = doJSON(t, handler, http.MethodPost, "/appointments/book", uuid.New(), bookBody(doctor, date))
	require.Equal(t, http.StatusOK, w.Code)

	var waitlisted BookResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &waitlisted))
	assert.Equal(t, "waitlisted", waitlisted.Status)
	assert.Nil(t, waitlisted.Appointment)
}

func TestBookRequiresIdentity(t *testing.T) {
	handler, _ := newTestServer(t, 1, "")

	w := doJSON(t, handler, http.MethodPost, "/appointments/book", uuid.Nil, bookBody(uuid.New(), time.Now()))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestBookValidatesBody(t *testing.T) {
	handler, _ := newTestServer(t, 1, "")

	testCases := []struct {
		name string
		body map[string]string
	}{
		{name: "missing doctor_id", body: map[string]string{"date": "2026-10-01"}},
		{name: "malformed doctor_id", body: map[string]string{"doctor_id": "not-a-uuid", "date": "2026-10-01"}},
		{name: "missing date", body: map[string]string{"doctor_id": uuid.NewString()}},
		{name: "malformed date", body: map[string]string{"doctor_id": uuid.NewString(), "date": "next tuesday"}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			w := doJSON(t, handler, http.MethodPost, "/appointments/book", uuid.New(), tc.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestBookDoubleSeatConflict(t *testing.T) {
	handler, _ := newTestServer(t, 5, "")
	patient := uuid.New()
	body := bookBody(uuid.New(), time.Now().UTC().AddDate(0, 0, 1))

	w := doJSON(t, handler, http.MethodPost, "/appointments/book", patient, body)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, handler, http.MethodPost, "/appointments/book", patient, body)
	assert.Equal(t, http.StatusConflict, w.Code)

	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &errResp))
	assert.Equal(t, "already_booked", errResp.Error)
}

func TestCancelEndpoint(t *testing.T) {
	handler, _ := newTestServer(t, 1, "")
	patient := uuid.New()
	body := bookBody(uuid.New(), time.Now().UTC().AddDate(0, 0, 1))

	w := doJSON(t, handler, http.MethodPost, "/appointments/book", patient, body)
	require.Equal(t, http.StatusOK, w.Code)
	var booked BookResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &booked))

	cancelPath := fmt.Sprintf("/appointments/%s/cancel", booked.Appointment.ID)

	// Someone else cannot cancel it.
	w = doJSON(t, handler, http.MethodDelete, cancelPath, uuid.New(), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(t, handler, http.MethodDelete, cancelPath, patient, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"success":true}`, w.Body.String())

	// Cancelling again is rejected.
	w = doJSON(t, handler, http.MethodDelete, cancelPath, patient, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestCancelUnknownAppointment(t *testing.T) {
	handler, _ := newTestServer(t, 1, "")

	w := doJSON(t, handler, http.MethodDelete, fmt.Sprintf("/appointments/%s/cancel", uuid.New()), uuid.New(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRescheduleEndpoint(t *testing.T) {
	handler, _ := newTestServer(t, 1, "")
	patient := uuid.New()
	doctor := uuid.New()
	oldDate := time.Now().UTC().AddDate(0, 0, 1).Truncate(time.Minute)
	newDate := oldDate.AddDate(0, 0, 1)

	w := doJSON(t, handler, http.MethodPost, "/appointments/book", patient, bookBody(doctor, oldDate))
	require.Equal(t, http.StatusOK, w.Code)
	var booked BookResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &booked))

	w = doJSON(t, handler, http.MethodPatch,
		fmt.Sprintf("/appointments/%s/reschedule", booked.Appointment.ID), patient,
		map[string]string{"doctor_id": doctor.String(), "new_date": newDate.Format(time.RFC3339)})
	require.Equal(t, http.StatusOK, w.Code)

	var moved BookResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &moved))
	assert.Equal(t, "booked", moved.Status)
	require.NotNil(t, moved.Appointment)
	assert.Equal(t, "rescheduled", moved.Appointment.Status)
	assert.True(t, moved.Appointment.Date.Equal(newDate))
}

func TestListMineEndpoint(t *testing.T) {
	handler, store := newTestServer(t, 5, "")
	patient := uuid.New()
	doctor := uuid.New()
	store.PutDoctor(booking.Doctor{ID: doctor, Name: "Dr. Chen"})

	date := time.Now().UTC().AddDate(0, 0, 1)
	w := doJSON(t, handler, http.MethodPost, "/appointments/book", patient, bookBody(doctor, date))
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, handler, http.MethodGet, "/appointments/mine", patient, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var list ListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Appointments, 1)
	assert.Equal(t, patient, list.Appointments[0].PatientID)
	require.NotNil(t, list.Appointments[0].Doctor)
	assert.Equal(t, "Dr. Chen", list.Appointments[0].Doctor.Name)

	// Another patient sees an empty list.
	w = doJSON(t, handler, http.MethodGet, "/appointments/mine", uuid.New(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"appointments":[]}`, w.Body.String())
}

func TestListForDoctorEndpoint(t *testing.T) {
	handler, _ := newTestServer(t, 5, "")
	doctor := uuid.New()
	date := time.Now().UTC().AddDate(0, 0, 1)

	for i := 0; i < 2; i++ {
		w := doJSON(t, handler, http.MethodPost, "/appointments/book", uuid.New(), bookBody(doctor, date))
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := doJSON(t, handler, http.MethodGet, "/appointments/doctor/"+doctor.String(), uuid.New(), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var list ListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list.Appointments, 2)
}

func signToken(t *testing.T, secret string, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestJWTAuth(t *testing.T) {
	const secret = "test-secret"
	handler, _ := newTestServer(t, 1, secret)
	patient := uuid.New()

	body, err := json.Marshal(bookBody(uuid.New(), time.Now().UTC().AddDate(0, 0, 1)))
	require.NoError(t, err)

	send := func(authz string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/appointments/book", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		if authz != "" {
			req.Header.Set("Authorization", authz)
		}
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w
	}

	w := send("Bearer " + signToken(t, secret, patient.String()))
	require.Equal(t, http.StatusOK, w.Code)

	var booked BookResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &booked))
	assert.Equal(t, patient, booked.Appointment.PatientID)

	assert.Equal(t, http.StatusUnauthorized, send("").Code)
	assert.Equal(t, http.StatusUnauthorized, send("Bearer "+signToken(t, "wrong-secret", patient.String())).Code)
	assert.Equal(t, http.StatusUnauthorized, send("Bearer garbage").Code)
}

func TestHealthEndpoints(t *testing.T) {
	store := booking.NewMemoryStore()
	engine := booking.NewEngine(store, booking.NewMemoryLocker(), zap.NewNop(), booking.EngineConfig{})

	handler := NewRouter(RouterConfig{
		Service: engine,
		Log:     zap.NewNop(),
		Env:     "test",
		Version: "test",
		Dependencies: []Dependency{
			{Name: "postgres", Ping: func(ctx context.Context) error { return nil }},
			{Name: "redis", Ping: func(ctx context.Context) error { return errors.New("down") }},
		},
	})

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var ready ReadinessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ready))
	assert.Equal(t, "ok", ready.Dependencies["postgres"])
	assert.Equal(t, "down", ready.Dependencies["redis"])
}
