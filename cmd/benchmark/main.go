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

	"github.com/google/uuid"
)

// Config holds the benchmark settings
var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
	dupRatio    float64
)

// Metrics
var (
	totalRequests uint64
	created       uint64 // fresh reconciliations
	replayed      uint64 // answered from a stored entry (same body returned)
	rejected422   uint64 // invalid / insufficient funds
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | replay")
	flag.Float64Var(&dupRatio, "dup-ratio", 0.3, "Fraction of callbacks redelivered with a seen external id (replay workload)")
}

func main() {
	flag.Parse()
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, start)
	}

	wg.Wait()
	printResults(time.Since(start))
}

func worker(wg *sync.WaitGroup, start time.Time) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}

	var seen []string
	for time.Since(start) < duration {
		externalID := uuid.NewString()
		isReplay := false
		if workload == "replay" && len(seen) > 0 && rand.Float64() < dupRatio {
			// Redeliver a callback this worker already sent; the guard should
			// answer it without touching the balance.
			externalID = seen[rand.Intn(len(seen))]
			isReplay = true
		} else {
			seen = append(seen, externalID)
		}

		payload := map[string]interface{}{
			"transaction_id": externalID,
			"status":         "COMPLETED",
			"amount":         100,
			"account_id":     rand.Intn(1000) + 1,
		}
		body, _ := json.Marshal(payload)

		req, _ := http.NewRequest("POST", targetURL+"/api/v1/callbacks/deposits", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch resp.StatusCode {
		case 201, 200:
			if isReplay {
				atomic.AddUint64(&replayed, 1)
			} else {
				atomic.AddUint64(&created, 1)
			}
		case 422:
			atomic.AddUint64(&rejected422, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	tps := float64(total) / d.Seconds()

	results := map[string]interface{}{
		"workload":       workload,
		"duration_sec":   d.Seconds(),
		"total_requests": total,
		"throughput_tps": tps,
		"created":        atomic.LoadUint64(&created),
		"replayed":       atomic.LoadUint64(&replayed),
		"rejected":       atomic.LoadUint64(&rejected422),
		"errors":         atomic.LoadUint64(&failOther),
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	filename := fmt.Sprintf("results_%s.json", workload)
	file, _ := os.Create(filename)
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
