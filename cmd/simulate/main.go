package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"

	"github.com/hackgods/clinic-slot-ledger/internal/ledger"
	"github.com/hackgods/clinic-slot-ledger/pkg/logging"
)

// SimConfig drives a contention run against a live api-server. Workers pick
// rows from a small hot set so that bookings collide.
type SimConfig struct {
	APIBaseURL string
	Duration   time.Duration
	Workers    int
	Date       string
	HotRows    int
	Patients   int
	HoldRatio  float64
	ReadRatio  float64
}

type DataPool struct {
	Patients []string
	Rows     []string
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	if success {
		atomic.AddInt64(&om.Success, 1)
	} else if conflict {
		atomic.AddInt64(&om.Conflict, 1)
	} else {
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]
	p50 = latencies[percentile(len(latencies), 50)]
	p95 = latencies[percentile(len(latencies), 95)]
	return avg, min, max, p50, p95
}

func percentile(n, p int) int {
	idx := n * p / 100
	if idx >= n {
		idx = n - 1
	}
	return idx
}

type Metrics struct {
	Booking OperationMetrics
	Hold    OperationMetrics
	DayView OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	logger  *logging.Logger
	metrics Metrics

	// winners records the appointment id each row was booked under; a row
	// booked twice means the ledger let a double booking through
	winners sync.Map
	doubles int64
}

func main() {
	logger := logging.New(getEnv("LOG_LEVEL", "info"))

	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}
	logger.Info("simulator starting", "duration", cfg.Duration.String(), "workers", cfg.Workers,
		"date", cfg.Date, "hot_rows", cfg.HotRows)

	sim := &Simulator{
		config: cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := sim.loadDataPool(ctx)
	if err != nil {
		logger.Error("load data pool", "error", err)
		os.Exit(1)
	}
	sim.pool = pool
	logger.Info("data pool loaded", "patients", len(pool.Patients), "rows", len(pool.Rows))

	sim.Run()
	sim.PrintReport()
}

func loadConfig() SimConfig {
	cfg := SimConfig{
		APIBaseURL: strings.TrimRight(getEnv("SIM_API_BASE_URL", "http://localhost:8080"), "/"),
		Duration:   getDuration("SIM_DURATION", 30*time.Second),
		Workers:    getInt("SIM_WORKERS", 16),
		Date:       getEnv("SIM_DATE", time.Now().AddDate(0, 0, 1).Format(ledger.DateLayout)),
		HotRows:    getInt("SIM_HOT_ROWS", 5),
		Patients:   getInt("SIM_PATIENTS", 50),
		HoldRatio:  getFloat("SIM_HOLD_RATIO", 0.1),
		ReadRatio:  getFloat("SIM_READ_RATIO", 0.2),
	}
	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	if cfg.HotRows <= 0 || cfg.Patients <= 0 {
		return fmt.Errorf("SIM_HOT_ROWS and SIM_PATIENTS must be > 0")
	}
	if cfg.HoldRatio+cfg.ReadRatio >= 1 {
		return fmt.Errorf("SIM_HOLD_RATIO + SIM_READ_RATIO must leave room for bookings")
	}
	return nil
}

// loadDataPool registers fake patients through the API and picks the first
// open rows of the simulated day as the contended set.
func (s *Simulator) loadDataPool(ctx context.Context) (*DataPool, error) {
	faker := gofakeit.New(0)
	pool := &DataPool{}

	for i := 0; i < s.config.Patients; i++ {
		var resp struct {
			PatientID string `json:"patient_id"`
		}
		status, err := s.post(ctx, "/patients", map[string]any{
			"first_name":    faker.FirstName(),
			"last_name":     faker.LastName(),
			"phone":         faker.Phone(),
			"email":         faker.Email(),
			"date_of_birth": faker.DateRange(time.Now().AddDate(-80, 0, 0), time.Now().AddDate(-18, 0, 0)).Format(ledger.DateLayout),
		}, &resp)
		if err != nil {
			return nil, fmt.Errorf("create patient: %w", err)
		}
		if status != http.StatusOK {
			return nil, fmt.Errorf("create patient: status %d", status)
		}
		pool.Patients = append(pool.Patients, resp.PatientID)
	}

	q := url.Values{"from": {s.config.Date}, "limit": {strconv.Itoa(s.config.HotRows)}}
	var openings struct {
		Slots []ledger.Slot `json:"slots"`
	}
	status, err := s.get(ctx, "/openings?"+q.Encode(), &openings)
	if err != nil {
		return nil, fmt.Errorf("load openings: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("load openings: status %d", status)
	}
	for _, slot := range openings.Slots {
		pool.Rows = append(pool.Rows, slot.RowID)
	}
	if len(pool.Rows) == 0 {
		return nil, fmt.Errorf("no open rows on %s, run the seeder first", s.config.Date)
	}
	return pool, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}
	wg.Wait()
	s.logger.Info("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		r := rng.Float64()
		switch {
		case r < s.config.ReadRatio:
			s.doDayView(ctx)
		case r < s.config.ReadRatio+s.config.HoldRatio:
			s.doHold(ctx, rng)
		default:
			s.doBooking(ctx, rng)
		}
	}
}

func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand) {
	rowID := s.pool.Rows[rng.Intn(len(s.pool.Rows))]
	patientID := s.pool.Patients[rng.Intn(len(s.pool.Patients))]

	start := time.Now()
	var slot ledger.Slot
	status, err := s.post(ctx, "/appointments", map[string]any{
		"row_id":          rowID,
		"patient_id":      patientID,
		"conversation_id": uuid.NewString(),
	}, &slot)
	latency := time.Since(start)

	if err == nil && status == http.StatusCreated {
		if prev, loaded := s.winners.LoadOrStore(rowID, slot.AppointmentID); loaded && prev != slot.AppointmentID {
			atomic.AddInt64(&s.doubles, 1)
			s.logger.Error("double booking observed", "row_id", rowID, "first", prev, "second", slot.AppointmentID)
		}
	}
	s.metrics.Booking.Record(latency, err == nil && status == http.StatusCreated, status == http.StatusConflict)
}

func (s *Simulator) doHold(ctx context.Context, rng *rand.Rand) {
	rowID := s.pool.Rows[rng.Intn(len(s.pool.Rows))]

	start := time.Now()
	status, err := s.post(ctx, "/slots/"+rowID+"/hold", map[string]any{
		"conversation_id": uuid.NewString(),
	}, nil)
	s.metrics.Hold.Record(time.Since(start), err == nil && status == http.StatusOK, status == http.StatusConflict)
}

func (s *Simulator) doDayView(ctx context.Context) {
	start := time.Now()
	status, err := s.get(ctx, "/schedule/"+s.config.Date, nil)
	s.metrics.DayView.Record(time.Since(start), err == nil && status == http.StatusOK, false)
}

func (s *Simulator) post(ctx context.Context, path string, body, out any) (int, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.APIBaseURL+path, bytes.NewReader(data))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	return s.do(req, out)
}

func (s *Simulator) get(ctx context.Context, path string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.config.APIBaseURL+path, nil)
	if err != nil {
		return 0, err
	}
	return s.do(req, out)
}

func (s *Simulator) do(req *http.Request, out any) (int, error) {
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Printf("Contended rows: %d\n", len(s.pool.Rows))
	fmt.Println()

	printOperationReport("Booking", &s.metrics.Booking)
	printOperationReport("Hold", &s.metrics.Hold)
	printOperationReport("Day view", &s.metrics.DayView)

	booked := 0
	s.winners.Range(func(_, _ any) bool {
		booked++
		return true
	})
	fmt.Printf("Rows booked: %d, double bookings observed: %d\n", booked, atomic.LoadInt64(&s.doubles))
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
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
