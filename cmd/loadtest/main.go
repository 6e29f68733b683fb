package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tracel/backend/pkg/sdk"
)

// LoadTestConfig holds load test parameters
type LoadTestConfig struct {
	BaseURL        string
	NumRequests    int
	Concurrency    int
	PageSize       int
	ReportInterval time.Duration
	WithFeed       bool
}

// LoadTestStats tracks test metrics
type LoadTestStats struct {
	TotalRequests       uint64
	SuccessfulReads     uint64
	FailedReads         uint64
	DegradedReads       uint64
	FeedPackets         uint64
	TotalDuration       time.Duration
	AvgLatency          time.Duration
	MaxLatency          time.Duration
	MinLatency          time.Duration
	P95Latency          time.Duration
	P99Latency          time.Duration
	ThroughputPerSecond float64
}

func main() {
	// Parse flags
	baseURL := flag.String("url", "http://localhost:8080", "Tracel service base URL")
	numRequests := flag.Int("requests", 5000, "Number of history reads to issue")
	concurrency := flag.Int("concurrency", 50, "Number of concurrent workers")
	pageSize := flag.Int("page", 50, "Packets per history read")
	reportInterval := flag.Duration("report", 5*time.Second, "Stats reporting interval")
	withFeed := flag.Bool("feed", false, "Hold a live websocket feed open during the run")
	flag.Parse()

	config := LoadTestConfig{
		BaseURL:        *baseURL,
		NumRequests:    *numRequests,
		Concurrency:    *concurrency,
		PageSize:       *pageSize,
		ReportInterval: *reportInterval,
		WithFeed:       *withFeed,
	}

	slog.Info("🚀 Starting Packet History Load Test")
	slog.Info("Target", "url", config.BaseURL)
	slog.Info("Requests", "num_requests", config.NumRequests, "page_size", config.PageSize)
	slog.Info("Concurrency", "concurrency", config.Concurrency, "with_feed", config.WithFeed)
	stats := runLoadTest(config)

	// Print final results
	printResults(stats)
}

func runLoadTest(config LoadTestConfig) *LoadTestStats {
	client := sdk.NewClient(sdk.Config{
		BaseURL: config.BaseURL,
		AnonID:  fmt.Sprintf("loadtest-%d", time.Now().Unix()),
	})

	// Stats tracking
	stats := &LoadTestStats{
		MinLatency: time.Hour, // Initialize to large value
	}
	var latencies []time.Duration
	var latenciesMu sync.Mutex

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Optional live feed held open for the whole run. Connecting starts the
	// owner's pipeline, so history reads race real ingest like in production.
	feedDone := make(chan struct{})
	if config.WithFeed {
		go func() {
			defer close(feedDone)
			err := client.StreamFeed(ctx, func(*sdk.Packet) {
				atomic.AddUint64(&stats.FeedPackets, 1)
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				slog.Warn("feed stream ended early", "err", err)
			}
		}()
	} else {
		close(feedDone)
	}

	// Worker pool
	reqChan := make(chan int, config.NumRequests)
	var wg sync.WaitGroup

	// Start stats reporter
	go reportStats(ctx, stats, config.ReportInterval)

	// Start workers
	startTime := time.Now()
	for i := 0; i < config.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range reqChan {
				processRead(ctx, client, config.PageSize, stats, &latencies, &latenciesMu)
			}
		}()
	}

	// Feed requests
	for i := 0; i < config.NumRequests; i++ {
		reqChan <- i
	}
	close(reqChan)

	// Wait for completion
	wg.Wait()
	totalDuration := time.Since(startTime)
	cancel()
	<-feedDone

	// Calculate final stats
	stats.TotalDuration = totalDuration
	stats.ThroughputPerSecond = float64(stats.TotalRequests) / totalDuration.Seconds()

	// Calculate latency percentiles
	latenciesMu.Lock()
	if len(latencies) > 0 {
		stats.AvgLatency = calculateAverage(latencies)
		stats.P95Latency = calculatePercentile(latencies, 95)
		stats.P99Latency = calculatePercentile(latencies, 99)
	}
	latenciesMu.Unlock()

	return stats
}

func processRead(
	ctx context.Context,
	client *sdk.Client,
	pageSize int,
	stats *LoadTestStats,
	latencies *[]time.Duration,
	latenciesMu *sync.Mutex,
) {
	// Measure read latency
	start := time.Now()
	page, err := client.Packets(ctx, sdk.PacketQuery{Limit: pageSize})
	latency := time.Since(start)

	// Update stats
	atomic.AddUint64(&stats.TotalRequests, 1)

	if err != nil {
		atomic.AddUint64(&stats.FailedReads, 1)
	} else {
		atomic.AddUint64(&stats.SuccessfulReads, 1)
		if page.Degraded {
			atomic.AddUint64(&stats.DegradedReads, 1)
		}
	}

	// Track latency
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

func reportStats(ctx context.Context, stats *LoadTestStats, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			total := atomic.LoadUint64(&stats.TotalRequests)
			success := atomic.LoadUint64(&stats.SuccessfulReads)
			failed := atomic.LoadUint64(&stats.FailedReads)
			feed := atomic.LoadUint64(&stats.FeedPackets)

			slog.Warn("Progress: reads | success | failed | Latency: min= max", "total", total, "success", success, "failed", failed, "feed_packets", feed, "min_latency", stats.MinLatency, "max_latency", stats.MaxLatency)
		case <-ctx.Done():
			return
		}
	}
}

func printResults(stats *LoadTestStats) {
	separator := "================================================================================"
	divider := "--------------------------------------------------------------------------------"

	fmt.Println("\n" + separator)
	fmt.Println("📊 LOAD TEST RESULTS")
	fmt.Println(separator)
	fmt.Printf("Total Requests:         %d\n", stats.TotalRequests)
	fmt.Printf("Successful Reads:       %d (%.2f%%)\n",
		stats.SuccessfulReads,
		float64(stats.SuccessfulReads)/float64(stats.TotalRequests)*100)
	fmt.Printf("Failed Reads:           %d (%.2f%%)\n",
		stats.FailedReads,
		float64(stats.FailedReads)/float64(stats.TotalRequests)*100)
	fmt.Printf("Degraded Reads:         %d\n", stats.DegradedReads)
	if stats.FeedPackets > 0 {
		fmt.Printf("Feed Packets Received:  %d\n", stats.FeedPackets)
	}
	fmt.Println(divider)
	fmt.Printf("Total Duration:         %v\n", stats.TotalDuration)
	fmt.Printf("Throughput:             %.2f reads/sec\n", stats.ThroughputPerSecond)
	fmt.Println(divider)
	fmt.Printf("Latency (min):          %v\n", stats.MinLatency)
	fmt.Printf("Latency (avg):          %v\n", stats.AvgLatency)
	fmt.Printf("Latency (p95):          %v\n", stats.P95Latency)
	fmt.Printf("Latency (p99):          %v\n", stats.P99Latency)
	fmt.Printf("Latency (max):          %v\n", stats.MaxLatency)
	fmt.Println(separator)

	// Performance assessment
	if stats.ThroughputPerSecond >= 100 {
		fmt.Println("✅ PASS: Throughput meets target (>100 reads/sec)")
	} else {
		fmt.Println("❌ FAIL: Throughput below target (<100 reads/sec)")
	}

	if stats.P95Latency < 100*time.Millisecond {
		fmt.Println("✅ PASS: P95 latency meets target (<100ms)")
	} else {
		fmt.Println("⚠️  WARN: P95 latency above target (>100ms)")
	}

	successRate := float64(stats.SuccessfulReads) / float64(stats.TotalRequests) * 100
	if successRate >= 95 {
		fmt.Println("✅ PASS: Success rate meets target (>95%)")
	} else {
		fmt.Println("❌ FAIL: Success rate below target (<95%)")
	}

	if stats.DegradedReads > 0 {
		fmt.Println("⚠️  WARN: Some reads served from the memory tier (primary store degraded)")
	}
	fmt.Println(separator + "\n")
}

func calculateAverage(latencies []time.Duration) time.Duration {
	if len(latencies) == 0 {
		return 0
	}

	var total time.Duration
	for _, l := range latencies {
		total += l
	}

	return total / time.Duration(len(latencies))
}

func calculatePercentile(latencies []time.Duration, percentile int) time.Duration {
	if len(latencies) == 0 {
		return 0
	}

	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	// Calculate percentile index
	idx := int(float64(len(sorted)) * float64(percentile) / 100.0)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}

	return sorted[idx]
}
