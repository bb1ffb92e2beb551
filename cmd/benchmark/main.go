package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"net/http"
	"os"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type options struct {
	url      string
	workers  int
	duration time.Duration
	workload string
	secret   string
	accounts int
	amount   string
}

// stats counts responses by class. Latencies are collected per worker and merged at the end.
type stats struct {
	total     atomic.Uint64
	created   atomic.Uint64 // 201
	replayed  atomic.Uint64 // 200 with Idempotent-Replayed
	rejected  atomic.Uint64 // 422 insufficient funds or self transfer
	busy      atomic.Uint64 // 503 lock wait exceeded
	transport atomic.Uint64
	other     atomic.Uint64

	mu        sync.Mutex
	latencies []time.Duration
}

func (s *stats) record(code int) {
	s.total.Add(1)
	switch code {
	case http.StatusCreated:
		s.created.Add(1)
	case http.StatusOK:
		s.replayed.Add(1)
	case http.StatusUnprocessableEntity:
		s.rejected.Add(1)
	case http.StatusServiceUnavailable:
		s.busy.Add(1)
	default:
		s.other.Add(1)
	}
}

func (s *stats) merge(latencies []time.Duration) {
	s.mu.Lock()
	s.latencies = append(s.latencies, latencies...)
	s.mu.Unlock()
}

func main() {
	var opts options
	flag.StringVar(&opts.url, "url", "http://localhost:8080", "API base URL")
	flag.IntVar(&opts.workers, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&opts.duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&opts.workload, "workload", "uniform", "Workload type: uniform | hotspot")
	flag.StringVar(&opts.secret, "secret", "supersecret", "JWT signing secret shared with the API")
	flag.IntVar(&opts.accounts, "accounts", 1000, "Number of seeded accounts (user N owns account N)")
	flag.StringVar(&opts.amount, "amount", "1.00", "Amount moved by each transfer")
	flag.Parse()

	if opts.accounts < 2 {
		log.Fatal("need at least two accounts")
	}

	tokens, err := mintTokens(opts)
	if err != nil {
		log.Fatalf("sign tokens: %v", err)
	}

	log.Printf("benchmark %s: %d workers for %s against %s", opts.workload, opts.workers, opts.duration, opts.url)

	ctx, cancel := context.WithTimeout(context.Background(), opts.duration)
	defer cancel()

	var st stats
	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < opts.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run(ctx, opts, tokens, &st)
		}()
	}
	wg.Wait()

	if err := report(opts, &st, time.Since(start)); err != nil {
		log.Printf("could not save results: %v", err)
	}
}

// mintTokens signs one bearer token per seeded user; index i belongs to user i.
func mintTokens(opts options) ([]string, error) {
	tokens := make([]string, opts.accounts+1)
	exp := jwt.NewNumericDate(time.Now().Add(opts.duration + time.Hour))
	for i := 1; i <= opts.accounts; i++ {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			Subject:   strconv.Itoa(i),
			ExpiresAt: exp,
		}).SignedString([]byte(opts.secret))
		if err != nil {
			return nil, err
		}
		tokens[i] = tok
	}
	return tokens, nil
}

func run(ctx context.Context, opts options, tokens []string, st *stats) {
	client := &http.Client{Timeout: 5 * time.Second}
	var latencies []time.Duration
	defer func() { st.merge(latencies) }()

	for ctx.Err() == nil {
		from, to := pick(opts)
		body, _ := json.Marshal(map[string]any{
			"from_account_id": from,
			"to_account_id":   to,
			"amount":          opts.amount,
		})

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, opts.url+"/api/v1/transfers", bytes.NewReader(body))
		if err != nil {
			st.transport.Add(1)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+tokens[from])
		req.Header.Set("Idempotency-Key", uuid.NewString())

		began := time.Now()
		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() == nil {
				st.transport.Add(1)
			}
			continue
		}
		resp.Body.Close()
		latencies = append(latencies, time.Since(began))
		st.record(resp.StatusCode)
	}
}

// pick returns a source and destination. The hotspot workload sends 90% of
// traffic between accounts 1 and 2.
func pick(opts options) (int64, int64) {
	if opts.workload == "hotspot" && rand.Float32() < 0.90 {
		if rand.IntN(2) == 0 {
			return 1, 2
		}
		return 2, 1
	}

	a := rand.IntN(opts.accounts) + 1
	b := rand.IntN(opts.accounts-1) + 1
	if b >= a {
		b++
	}
	return int64(a), int64(b)
}

func percentile(sorted []time.Duration, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * p)
	return float64(sorted[idx].Microseconds()) / 1000
}

func report(opts options, st *stats, elapsed time.Duration) error {
	total := st.total.Load()
	busyRate := 0.0
	if total > 0 {
		busyRate = float64(st.busy.Load()) / float64(total) * 100
	}

	slices.Sort(st.latencies)
	results := map[string]any{
		"workload":          opts.workload,
		"workers":           opts.workers,
		"duration_sec":      elapsed.Seconds(),
		"total_requests":    total,
		"throughput_tps":    float64(total) / elapsed.Seconds(),
		"success_created":   st.created.Load(),
		"success_replay":    st.replayed.Load(),
		"rejected_business": st.rejected.Load(),
		"busy_lock_timeout": st.busy.Load(),
		"busy_rate_pct":     busyRate,
		"errors":            st.other.Load() + st.transport.Load(),
		"p50_ms":            percentile(st.latencies, 0.50),
		"p99_ms":            percentile(st.latencies, 0.99),
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(results); err != nil {
		return err
	}

	file, err := os.Create(fmt.Sprintf("results_%s.json", opts.workload))
	if err != nil {
		return err
	}
	defer file.Close()
	return json.NewEncoder(file).Encode(results)
}
