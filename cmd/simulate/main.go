package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shahrin-2002/CSE471/internal/config"
	"github.com/shahrin-2002/CSE471/internal/db"
)

// The simulator hammers the booking API with concurrent patients fighting
// over a small set of doctor/date slots, then checks in Postgres that no
// slot ever exceeded its capacity.

type SimConfig struct {
	APIBaseURL   string
	Duration     time.Duration
	Workers      int
	BookRatio    float64
	CancelRatio  float64
	ListRatio    float64
	PatientLimit int
	DoctorLimit  int
	DayWindow    int
	PostgresDSN  string
}

type DataPool struct {
	Patients []uuid.UUID
	Doctors  []uuid.UUID
	Dates    []time.Time

	mu           sync.RWMutex
	appointments []ownedAppointment
}

type ownedAppointment struct {
	ID      uuid.UUID
	Patient uuid.UUID
}

func (dp *DataPool) Add(id, patient uuid.UUID) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, ownedAppointment{ID: id, Patient: patient})
}

func (dp *DataPool) TakeRandom() (ownedAppointment, bool) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if len(dp.appointments) == 0 {
		return ownedAppointment{}, false
	}
	idx := rand.Intn(len(dp.appointments))
	a := dp.appointments[idx]
	dp.appointments = append(dp.appointments[:idx], dp.appointments[idx+1:]...)
	return a, true
}

type OperationMetrics struct {
	Total     int64
	Booked    int64
	Waitlist  int64
	Conflict  int64
	Error     int64
	mu        sync.Mutex
	Latencies []time.Duration
}

func (om *OperationMetrics) Record(latency time.Duration, outcome string) {
	atomic.AddInt64(&om.Total, 1)
	switch outcome {
	case "booked":
		atomic.AddInt64(&om.Booked, 1)
	case "waitlisted":
		atomic.AddInt64(&om.Waitlist, 1)
	case "conflict":
		atomic.AddInt64(&om.Conflict, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	avg = sum / time.Duration(len(latencies))

	p50Idx := len(latencies) * 50 / 100
	if p50Idx >= len(latencies) {
		p50Idx = len(latencies) - 1
	}
	p95Idx := len(latencies) * 95 / 100
	if p95Idx >= len(latencies) {
		p95Idx = len(latencies) - 1
	}
	return avg, latencies[p50Idx], latencies[p95Idx]
}

type Simulator struct {
	config SimConfig
	pool   *DataPool
	client *http.Client

	book   OperationMetrics
	cancel OperationMetrics
	list   OperationMetrics
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("simulator starting")

	cfg := loadSimConfig()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		log.Fatalf("load data pool: %v", err)
	}
	log.Printf("loaded: %d patients, %d doctors, %d contended dates",
		len(dataPool.Patients), len(dataPool.Doctors), len(dataPool.Dates))

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{Timeout: 10 * time.Second},
	}

	sim.Run()
	sim.PrintReport()

	if err := verifyCapacity(context.Background(), pgPool); err != nil {
		log.Fatalf("CAPACITY VIOLATION: %v", err)
	}
	log.Println("capacity invariant held for every slot")
}

func loadSimConfig() SimConfig {
	baseCfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load base config: %v", err)
	}
	if baseCfg.PostgresDSN == "" {
		log.Fatal("POSTGRES_DSN is required")
	}

	cfg := SimConfig{
		APIBaseURL:   getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:     getDuration("SIM_DURATION", 30*time.Second),
		Workers:      getInt("SIM_WORKERS", 20),
		BookRatio:    getFloat("SIM_BOOK_RATIO", 0.6),
		CancelRatio:  getFloat("SIM_CANCEL_RATIO", 0.25),
		ListRatio:    getFloat("SIM_LIST_RATIO", 0.15),
		PatientLimit: getInt("SIM_PATIENT_LIMIT", 500),
		DoctorLimit:  getInt("SIM_DOCTOR_LIMIT", 5),
		DayWindow:    getInt("SIM_DAY_WINDOW", 3),
		PostgresDSN:  baseCfg.PostgresDSN,
	}

	total := cfg.BookRatio + cfg.CancelRatio + cfg.ListRatio
	if total > 0 {
		cfg.BookRatio /= total
		cfg.CancelRatio /= total
		cfg.ListRatio /= total
	}
	return cfg
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	dp := &DataPool{}

	rows, err := pool.Query(ctx, `SELECT id FROM patients LIMIT $1`, cfg.PatientLimit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		dp.Patients = append(dp.Patients, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	docRows, err := pool.Query(ctx, `SELECT id FROM doctors LIMIT $1`, cfg.DoctorLimit)
	if err != nil {
		return nil, err
	}
	defer docRows.Close()
	for docRows.Next() {
		var id uuid.UUID
		if err := docRows.Scan(&id); err != nil {
			return nil, err
		}
		dp.Doctors = append(dp.Doctors, id)
	}
	if err := docRows.Err(); err != nil {
		return nil, err
	}

	if len(dp.Patients) == 0 || len(dp.Doctors) == 0 {
		return nil, fmt.Errorf("no patients or doctors seeded, run cmd/seed first")
	}

	// A deliberately narrow date window keeps every worker fighting over
	// the same few slots.
	base := time.Now().UTC().AddDate(0, 0, 1).Truncate(24 * time.Hour)
	for d := 0; d < cfg.DayWindow; d++ {
		dp.Dates = append(dp.Dates, base.AddDate(0, 0, d))
	}

	return dp, nil
}

func (s *Simulator) Run() {
	deadline := time.Now().Add(s.config.Duration)
	var wg sync.WaitGroup

	for w := 0; w < s.config.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(deadline) {
				roll := rand.Float64()
				switch {
				case roll < s.config.BookRatio:
					s.doBook()
				case roll < s.config.BookRatio+s.config.CancelRatio:
					s.doCancel()
				default:
					s.doList()
				}
			}
		}()
	}

	wg.Wait()
}

func (s *Simulator) doBook() {
	patient := s.pool.Patients[rand.Intn(len(s.pool.Patients))]
	doctor := s.pool.Doctors[rand.Intn(len(s.pool.Doctors))]
	date := s.pool.Dates[rand.Intn(len(s.pool.Dates))]

	body, _ := json.Marshal(map[string]string{
		"doctor_id": doctor.String(),
		"date":      date.Format(time.RFC3339),
	})

	start := time.Now()
	status, resp := s.call(http.MethodPost, "/appointments/book", patient, bytes.NewReader(body))
	latency := time.Since(start)

	switch {
	case status == http.StatusOK:
		var out struct {
			Status      string `json:"status"`
			Appointment *struct {
				ID uuid.UUID `json:"id"`
			} `json:"appointment"`
		}
		if err := json.Unmarshal(resp, &out); err == nil && out.Appointment != nil {
			s.pool.Add(out.Appointment.ID, patient)
		}
		s.book.Record(latency, out.Status)
	case status == http.StatusConflict || status == http.StatusServiceUnavailable:
		s.book.Record(latency, "conflict")
	default:
		s.book.Record(latency, "error")
	}
}

func (s *Simulator) doCancel() {
	appt, ok := s.pool.TakeRandom()
	if !ok {
		return
	}

	start := time.Now()
	status, _ := s.call(http.MethodDelete, "/appointments/"+appt.ID.String()+"/cancel", appt.Patient, nil)
	latency := time.Since(start)

	switch {
	case status == http.StatusOK:
		s.cancel.Record(latency, "booked")
	case status == http.StatusConflict || status == http.StatusServiceUnavailable:
		s.cancel.Record(latency, "conflict")
	default:
		s.cancel.Record(latency, "error")
	}
}

func (s *Simulator) doList() {
	patient := s.pool.Patients[rand.Intn(len(s.pool.Patients))]

	start := time.Now()
	status, _ := s.call(http.MethodGet, "/appointments/mine", patient, nil)
	latency := time.Since(start)

	if status == http.StatusOK {
		s.list.Record(latency, "booked")
	} else {
		s.list.Record(latency, "error")
	}
}

func (s *Simulator) call(method, path string, patient uuid.UUID, body io.Reader) (int, []byte) {
	req, err := http.NewRequest(method, s.config.APIBaseURL+path, body)
	if err != nil {
		return 0, nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Patient-ID", patient.String())

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, nil
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, data
}

func (s *Simulator) PrintReport() {
	report := func(name string, om *OperationMetrics) {
		avg, p50, p95 := om.Stats()
		log.Printf("%-8s total=%d booked=%d waitlisted=%d conflict=%d error=%d avg=%s p50=%s p95=%s",
			name, om.Total, om.Booked, om.Waitlist, om.Conflict, om.Error, avg, p50, p95)
	}
	report("book", &s.book)
	report("cancel", &s.cancel)
	report("list", &s.list)
}

func verifyCapacity(ctx context.Context, pool *pgxpool.Pool) error {
	rows, err := pool.Query(ctx, `
		SELECT s.id, s.capacity, count(o.appointment_id)
		FROM slots s
		LEFT JOIN slot_occupants o ON o.slot_id = s.id
		GROUP BY s.id, s.capacity
		HAVING count(o.appointment_id) > s.capacity
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var id uuid.UUID
		var capacity, seated int
		if err := rows.Scan(&id, &capacity, &seated); err != nil {
			return err
		}
		return fmt.Errorf("slot %s has %d occupants over capacity %d", id, seated, capacity)
	}
	return rows.Err()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
