package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds the benchmark settings
var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
)

// Metrics
var (
	totalRequests uint64
	applied200    uint64 // Transitions applied
	created201    uint64 // Intents created
	fail409       uint64 // In-flight collisions
	fail422       uint64 // Rejected transitions / key misuse
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | replay")
}

func main() {
	flag.Parse()
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, i, start)
	}

	wg.Wait()
	printResults(time.Since(start))
}

// worker drives one intent at a time through its lifecycle: create it,
// then mark it paid. The replay workload re-sends the paid transition with
// the same key to measure the dedup path; uniform sends each request once.
func worker(wg *sync.WaitGroup, id int, start time.Time) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}

	seq := 0
	for time.Since(start) < duration {
		seq++
		reference := fmt.Sprintf("bench-%d-%d-%d", id, seq, time.Now().UnixNano())

		intentID, ok := createIntent(client, reference)
		if !ok {
			continue
		}

		key := fmt.Sprintf("bench-paid-%s", reference)
		repeats := 1
		if workload == "replay" {
			repeats = 2 + rand.Intn(3)
		}
		for i := 0; i < repeats; i++ {
			transitionIntent(client, intentID, key)
		}
	}
}

func createIntent(client *http.Client, reference string) (int64, bool) {
	payload := map[string]interface{}{
		"reference":    reference,
		"amount_minor": int64(100000),
		"currency":     "NGN",
	}
	body, _ := json.Marshal(payload)

	req, _ := http.NewRequest("POST", targetURL+"/api/v1/intents", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", "bench-create-"+reference)

	resp, err := client.Do(req)
	if err != nil {
		atomic.AddUint64(&failOther, 1)
		return 0, false
	}
	defer resp.Body.Close()

	atomic.AddUint64(&totalRequests, 1)
	if resp.StatusCode != 201 {
		count(resp.StatusCode)
		return 0, false
	}
	atomic.AddUint64(&created201, 1)

	var intent struct {
		ID int64 `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&intent); err != nil {
		atomic.AddUint64(&failOther, 1)
		return 0, false
	}
	return intent.ID, true
}

func transitionIntent(client *http.Client, intentID int64, key string) {
	payload := map[string]interface{}{
		"to_status": "paid",
		"actor":     map[string]interface{}{"type": "system"},
	}
	body, _ := json.Marshal(payload)

	url := fmt.Sprintf("%s/api/v1/intents/%d/transitions", targetURL, intentID)
	req, _ := http.NewRequest("POST", url, bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", key)

	resp, err := client.Do(req)
	if err != nil {
		atomic.AddUint64(&failOther, 1)
		return
	}
	defer resp.Body.Close()

	atomic.AddUint64(&totalRequests, 1)
	count(resp.StatusCode)
}

func count(status int) {
	switch status {
	case 200:
		atomic.AddUint64(&applied200, 1)
	case 409:
		atomic.AddUint64(&fail409, 1)
	case 422:
		atomic.AddUint64(&fail422, 1)
	default:
		atomic.AddUint64(&failOther, 1)
	}
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	s201 := atomic.LoadUint64(&created201)
	s200 := atomic.LoadUint64(&applied200)
	f409 := atomic.LoadUint64(&fail409)
	f422 := atomic.LoadUint64(&fail422)
	fErr := atomic.LoadUint64(&failOther)

	tps := float64(total) / d.Seconds()

	results := map[string]interface{}{
		"workload":        workload,
		"duration_sec":    d.Seconds(),
		"total_requests":  total,
		"throughput_tps":  tps,
		"intents_created": s201,
		"transitions_ok":  s200,
		"in_flight_409":   f409,
		"rejected_422":    f422,
		"errors":          fErr,
	}

	// Print JSON for the python plotter to consume
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	// Also save to file
	filename := fmt.Sprintf("results_%s.json", workload)
	file, _ := os.Create(filename)
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
