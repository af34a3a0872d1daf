package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

type BenchmarkResult struct {
	TotalOps      int
	SuccessfulOps int
	FailedOps     int
	Duration      time.Duration
	OpsPerSec     float64
	P50Latency    time.Duration
	P99Latency    time.Duration
	MaxLatency    time.Duration
}

type client struct {
	baseURL string
	http    *http.Client
}

func main() {
	var (
		target      = flag.String("target", "http://localhost:8080", "node base URL")
		ops         = flag.Int("ops", 1000, "operations per phase")
		concurrency = flag.Int("concurrency", 10, "concurrent requests")
		valueSize   = flag.Int("value-size", 64, "value size in bytes")
	)
	flag.Parse()

	c := &client{
		baseURL: strings.TrimSuffix(*target, "/"),
		http:    &http.Client{Timeout: 5 * time.Second},
	}

	fmt.Println("=== lsmkv benchmark ===")
	fmt.Printf("Target: %s, ops: %d, concurrency: %d\n\n", c.baseURL, *ops, *concurrency)

	if err := c.health(); err != nil {
		fmt.Printf("ERROR: node %s is not available: %v\n", c.baseURL, err)
		os.Exit(1)
	}

	value := strings.Repeat("v", *valueSize)
	ctx := context.Background()

	printResult("Writes", run(ctx, *ops, *concurrency, func(i int) error {
		return c.put(fmt.Sprintf("bench_key_%d", i), value)
	}))
	printResult("Reads", run(ctx, *ops, *concurrency, func(i int) error {
		_, found, err := c.get(fmt.Sprintf("bench_key_%d", i))
		if err == nil && !found {
			err = errors.New("key not found")
		}
		return err
	}))
	printResult("Deletes", run(ctx, *ops/10, *concurrency, func(i int) error {
		return c.delete(fmt.Sprintf("bench_key_%d", i))
	}))

	stats, err := c.stats()
	if err != nil {
		fmt.Printf("failed to fetch engine stats: %v\n", err)
		return
	}
	fmt.Printf("\nEngine stats: %s\n", stats)
}

// run executes op for 0..total-1 with the given concurrency and collects latencies.
func run(ctx context.Context, total, concurrency int, op func(i int) error) BenchmarkResult {
	var (
		mu        sync.Mutex
		latencies = make([]time.Duration, 0, total)
		failed    int
	)

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(max(concurrency, 1))

	start := time.Now()
	for i := 0; i < total; i++ {
		g.Go(func() error {
			opStart := time.Now()
			err := op(i)
			latency := time.Since(opStart)

			mu.Lock()
			defer mu.Unlock()
			latencies = append(latencies, latency)
			if err != nil {
				failed++
			}
			return nil
		})
	}
	_ = g.Wait()
	duration := time.Since(start)

	result := BenchmarkResult{
		TotalOps:      total,
		SuccessfulOps: total - failed,
		FailedOps:     failed,
		Duration:      duration,
	}
	if duration > 0 {
		result.OpsPerSec = float64(result.SuccessfulOps) / duration.Seconds()
	}
	if len(latencies) > 0 {
		slices.Sort(latencies)
		result.P50Latency = latencies[len(latencies)/2]
		result.P99Latency = latencies[len(latencies)*99/100]
		result.MaxLatency = latencies[len(latencies)-1]
	}
	return result
}

func (c *client) health() error {
	resp, err := c.http.Get(c.baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
	return nil
}

func (c *client) put(key, value string) error {
	data := url.Values{"key": {key}, "value": {value}}
	req, err := http.NewRequest(http.MethodPut, c.baseURL+"/api/string", strings.NewReader(data.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.expectOK(req)
}

func (c *client) delete(key string) error {
	req, err := http.NewRequest(http.MethodDelete, c.baseURL+"/api?key="+url.QueryEscape(key), nil)
	if err != nil {
		return err
	}
	return c.expectOK(req)
}

func (c *client) expectOK(req *http.Request) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
	return nil
}

func (c *client) get(key string) (string, bool, error) {
	resp, err := c.http.Get(c.baseURL + "/api/string?key=" + url.QueryEscape(key))
	if err != nil {
		return "", false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return "", false, nil
	default:
		return "", false, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", false, err
	}
	return result.Value, true, nil
}

func (c *client) stats() (string, error) {
	resp, err := c.http.Get(c.baseURL + "/api/internal/stats")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

func printResult(testName string, result BenchmarkResult) {
	fmt.Printf("%s:\n", testName)
	fmt.Printf("  Total Operations: %d\n", result.TotalOps)
	fmt.Printf("  Successful: %d\n", result.SuccessfulOps)
	fmt.Printf("  Failed: %d\n", result.FailedOps)
	fmt.Printf("  Duration: %v\n", result.Duration)
	fmt.Printf("  Operations/sec: %.2f\n", result.OpsPerSec)
	fmt.Printf("  p50 Latency: %v\n", result.P50Latency)
	fmt.Printf("  p99 Latency: %v\n", result.P99Latency)
	fmt.Printf("  Max Latency: %v\n", result.MaxLatency)
}
