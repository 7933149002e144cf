// loadtest drives HTTP traffic at a running gateway and reports
// throughput, latency percentiles and the status breakdown. Point it at
// a rate-limited route to watch quota enforcement under load.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type runConfig struct {
	BaseURL        string
	Path           string
	Requests       int
	Concurrency    int
	Duration       time.Duration
	ReportInterval time.Duration
	Token          string
}

type runStats struct {
	Total       uint64
	Succeeded   uint64 // 2xx
	RateLimited uint64 // 429
	Failed      uint64 // other statuses and transport errors

	TotalDuration time.Duration
	Throughput    float64
	MinLatency    time.Duration
	MaxLatency    time.Duration
	AvgLatency    time.Duration
	P95Latency    time.Duration
	P99Latency    time.Duration
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Gateway base URL")
	path := flag.String("path", "/health/gateway", "Request path")
	requests := flag.Int("requests", 1000, "Number of requests to send")
	concurrency := flag.Int("concurrency", 50, "Number of concurrent workers")
	duration := flag.Duration("duration", 0, "Test duration (0 = run until requests complete)")
	reportInterval := flag.Duration("report", 5*time.Second, "Progress reporting interval")
	token := flag.String("token", os.Getenv("EDGE_TOKEN"), "Bearer token for protected routes")
	flag.Parse()

	cfg := runConfig{
		BaseURL:        strings.TrimRight(*baseURL, "/"),
		Path:           *path,
		Requests:       *requests,
		Concurrency:    *concurrency,
		Duration:       *duration,
		ReportInterval: *reportInterval,
		Token:          *token,
	}

	slog.Info("🚀 starting gateway load test",
		"url", cfg.BaseURL+cfg.Path,
		"requests", cfg.Requests,
		"concurrency", cfg.Concurrency,
		"duration", cfg.Duration)

	stats := run(cfg)
	printResults(stats)
}

func run(cfg runConfig) *runStats {
	client := &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			MaxIdleConnsPerHost: cfg.Concurrency,
		},
	}

	stats := &runStats{MinLatency: time.Hour}
	var latencies []time.Duration
	var latenciesMu sync.Mutex

	ctx := context.Background()
	var cancel context.CancelFunc
	if cfg.Duration > 0 {
		ctx, cancel = context.WithTimeout(ctx, cfg.Duration)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	go reportProgress(ctx, stats, cfg.ReportInterval)

	work := make(chan int, cfg.Requests)
	var wg sync.WaitGroup

	startTime := time.Now()
	for i := 0; i < cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range work {
				if ctx.Err() != nil {
					return
				}
				fire(ctx, client, cfg, stats, &latencies, &latenciesMu)
			}
		}()
	}

	for i := 0; i < cfg.Requests; i++ {
		work <- i
	}
	close(work)

	wg.Wait()
	totalDuration := time.Since(startTime)

	stats.TotalDuration = totalDuration
	if total := atomic.LoadUint64(&stats.Total); total > 0 {
		stats.Throughput = float64(total) / totalDuration.Seconds()
	}

	latenciesMu.Lock()
	if len(latencies) > 0 {
		stats.AvgLatency = average(latencies)
		stats.P95Latency = percentile(latencies, 95)
		stats.P99Latency = percentile(latencies, 99)
	}
	latenciesMu.Unlock()

	return stats
}

func fire(ctx context.Context, client *http.Client, cfg runConfig, stats *runStats, latencies *[]time.Duration, latenciesMu *sync.Mutex) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.BaseURL+cfg.Path, nil)
	if err != nil {
		atomic.AddUint64(&stats.Total, 1)
		atomic.AddUint64(&stats.Failed, 1)
		return
	}
	if cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Token)
	}

	start := time.Now()
	resp, err := client.Do(req)
	latency := time.Since(start)

	atomic.AddUint64(&stats.Total, 1)
	switch {
	case err != nil:
		atomic.AddUint64(&stats.Failed, 1)
		return
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		atomic.AddUint64(&stats.Succeeded, 1)
	case resp.StatusCode == http.StatusTooManyRequests:
		atomic.AddUint64(&stats.RateLimited, 1)
	default:
		atomic.AddUint64(&stats.Failed, 1)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	latenciesMu.Lock()
	*latencies = append(*latencies, latency)
	if latency > stats.MaxLatency {
		stats.MaxLatency = latency
	}
	if latency < stats.MinLatency {
		stats.MinLatency = latency
	}
	latenciesMu.Unlock()
}

func reportProgress(ctx context.Context, stats *runStats, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			slog.Info("progress",
				"total", atomic.LoadUint64(&stats.Total),
				"ok", atomic.LoadUint64(&stats.Succeeded),
				"rate_limited", atomic.LoadUint64(&stats.RateLimited),
				"failed", atomic.LoadUint64(&stats.Failed))
		case <-ctx.Done():
			return
		}
	}
}

func printResults(stats *runStats) {
	separator := "================================================================================"
	divider := "--------------------------------------------------------------------------------"

	pct := func(n uint64) float64 {
		if stats.Total == 0 {
			return 0
		}
		return float64(n) / float64(stats.Total) * 100
	}

	fmt.Println("\n" + separator)
	fmt.Println("📊 LOAD TEST RESULTS")
	fmt.Println(separator)
	fmt.Printf("Total Requests:         %d\n", stats.Total)
	fmt.Printf("Succeeded (2xx):        %d (%.2f%%)\n", stats.Succeeded, pct(stats.Succeeded))
	fmt.Printf("Rate Limited (429):     %d (%.2f%%)\n", stats.RateLimited, pct(stats.RateLimited))
	fmt.Printf("Failed:                 %d (%.2f%%)\n", stats.Failed, pct(stats.Failed))
	fmt.Println(divider)
	fmt.Printf("Total Duration:         %v\n", stats.TotalDuration)
	fmt.Printf("Throughput:             %.2f req/sec\n", stats.Throughput)
	fmt.Println(divider)
	fmt.Printf("Latency (min):          %v\n", stats.MinLatency)
	fmt.Printf("Latency (avg):          %v\n", stats.AvgLatency)
	fmt.Printf("Latency (p95):          %v\n", stats.P95Latency)
	fmt.Printf("Latency (p99):          %v\n", stats.P99Latency)
	fmt.Printf("Latency (max):          %v\n", stats.MaxLatency)
	fmt.Println(separator + "\n")
}

func average(latencies []time.Duration) time.Duration {
	if len(latencies) == 0 {
		return 0
	}
	var total time.Duration
	for _, l := range latencies {
		total += l
	}
	return total / time.Duration(len(latencies))
}

func percentile(latencies []time.Duration, p int) time.Duration {
	if len(latencies) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(float64(len(sorted)) * float64(p) / 100.0)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
