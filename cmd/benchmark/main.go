package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/segmentio/ksuid"
)

var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
	keysFile    string
	replayRate  float64
)

var (
	totalRequests uint64
	success200    uint64 // Idempotent replays
	success201    uint64 // Committed
	pending202    uint64 // Awaiting confirmation
	fail409       uint64 // Ledger rejections
	fail422       uint64 // Validation
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot")
	flag.StringVar(&keysFile, "keys", "principals.txt", "Principals written by the seeder")
	flag.Float64Var(&replayRate, "replay", 0.05, "Fraction of requests that reuse their previous idempotency key")
}

func main() {
	flag.Parse()
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		log.Fatal("JWT_SECRET is required to mint benchmark tokens")
	}

	principals, err := readPrincipals(keysFile)
	if err != nil {
		log.Fatalf("read principals: %v", err)
	}
	tokens := make([]string, len(principals))
	for i, p := range principals {
		if tokens[i], err = mint(p, secret); err != nil {
			log.Fatalf("mint token: %v", err)
		}
	}

	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s | Principals: %d", workload, concurrency, duration, len(tokens))
	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go worker(&wg, start, tokens)
	}
	wg.Wait()
	printResults(time.Since(start))
}

func readPrincipals(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			out = append(out, line)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s has no principals", path)
	}
	return out, sc.Err()
}

func mint(principal, secret string) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   principal,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(duration + time.Hour)),
	}).SignedString([]byte(secret))
}

func worker(wg *sync.WaitGroup, start time.Time, tokens []string) {
	defer wg.Done()
	client := &http.Client{Timeout: 60 * time.Second}
	lastKey := ""

	for time.Since(start) < duration {
		token := pick(tokens)

		key := ksuid.New().String()
		if lastKey != "" && rand.Float64() < replayRate {
			key = lastKey
		}
		lastKey = key

		body, _ := json.Marshal(map[string]string{"amount": "1"})
		req, _ := http.NewRequest(http.MethodPost, targetURL+"/api/v1/staking/stake", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Idempotency-Key", key)

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch resp.StatusCode {
		case http.StatusCreated:
			atomic.AddUint64(&success201, 1)
		case http.StatusOK:
			atomic.AddUint64(&success200, 1)
		case http.StatusAccepted:
			atomic.AddUint64(&pending202, 1)
		case http.StatusConflict:
			atomic.AddUint64(&fail409, 1)
		case http.StatusUnprocessableEntity:
			atomic.AddUint64(&fail422, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

// pick chooses a principal. The hotspot workload sends 90% of traffic to two
// principals, which serializes on their locks.
func pick(tokens []string) string {
	if workload == "hotspot" && len(tokens) >= 2 && rand.Float32() < 0.90 {
		return tokens[rand.Intn(2)]
	}
	return tokens[rand.Intn(len(tokens))]
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	results := map[string]interface{}{
		"workload":          workload,
		"duration_sec":      d.Seconds(),
		"total_requests":    total,
		"throughput_tps":    float64(total) / d.Seconds(),
		"success_committed": atomic.LoadUint64(&success201),
		"success_replay":    atomic.LoadUint64(&success200),
		"pending":           atomic.LoadUint64(&pending202),
		"rejected":          atomic.LoadUint64(&fail409),
		"invalid":           atomic.LoadUint64(&fail422),
		"errors":            atomic.LoadUint64(&failOther),
	}

	// Print JSON for the python plotter to consume
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	filename := fmt.Sprintf("results_%s.json", workload)
	file, err := os.Create(filename)
	if err != nil {
		log.Printf("save results: %v", err)
		return
	}
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
