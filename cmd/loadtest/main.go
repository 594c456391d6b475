// Command loadtest hammers the call dispatch pipeline in process: the full
// gate, ledger, routing and persistence path runs against the in-memory store
// and a mock provider, so the numbers isolate orchestration overhead from
// provider and network latency.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxflow/backend/internal/config"
	"github.com/voxflow/backend/internal/core"
	"github.com/voxflow/backend/internal/dispatch"
	"github.com/voxflow/backend/internal/features"
	"github.com/voxflow/backend/internal/ledger"
	"github.com/voxflow/backend/internal/policy"
	"github.com/voxflow/backend/internal/provider"
	"github.com/voxflow/backend/internal/routing"
	"github.com/voxflow/backend/internal/store"
)

const (
	loadTenantID = "tenant-load"
	loadAgentID  = "agent-load"
)

// LoadTestConfig holds load test parameters
type LoadTestConfig struct {
	NumCalls       int
	Concurrency    int
	Duration       time.Duration
	ReportInterval time.Duration
	ProviderDelay  time.Duration
}

// LoadTestStats tracks test metrics
type LoadTestStats struct {
	TotalCalls      int64
	SuccessfulCalls int64
	FailedCalls     int64

	mu         sync.Mutex
	latencies  []time.Duration
	minLatency time.Duration
	maxLatency time.Duration
}

func main() {
	numCalls := flag.Int("calls", 1000, "Number of calls to dispatch")
	concurrency := flag.Int("concurrency", 50, "Number of concurrent workers")
	duration := flag.Duration("duration", 0, "Run for a fixed duration instead of a fixed call count")
	reportInterval := flag.Duration("report", 5*time.Second, "Progress report interval")
	providerDelay := flag.Duration("provider-delay", 5*time.Millisecond, "Simulated provider dial latency")
	flag.Parse()

	// Keep the pipeline's own logging out of the report output.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))

	cfg := LoadTestConfig{
		NumCalls:       *numCalls,
		Concurrency:    *concurrency,
		Duration:       *duration,
		ReportInterval: *reportInterval,
		ProviderDelay:  *providerDelay,
	}

	fmt.Println("🚀 Starting dispatch load test")
	fmt.Printf("   Calls:          %d\n", cfg.NumCalls)
	fmt.Printf("   Concurrency:    %d\n", cfg.Concurrency)
	if cfg.Duration > 0 {
		fmt.Printf("   Duration:       %v\n", cfg.Duration)
	}
	fmt.Printf("   Provider delay: %v\n", cfg.ProviderDelay)
	fmt.Println()

	disp, mem, principal := buildPipeline(cfg)

	start := time.Now()
	stats := runLoadTest(cfg, disp, mem, principal)
	elapsed := time.Since(start)

	printResults(stats, elapsed)
}

// buildPipeline assembles a dispatcher over the in-memory store with every
// policy check live. The dialing window is forced open and the rate limit
// off: the test measures the pipeline, not the calendar.
func buildPipeline(lc LoadTestConfig) (*dispatch.Dispatcher, *store.Memory, core.Principal) {
	cfg := &config.Config{}
	cfg.ApplyDefaults()
	cfg.Policy.BusinessHours = config.BusinessHours{
		Start:    "00:00",
		End:      "23:59",
		Timezone: "UTC",
		Days:     []int{0, 1, 2, 3, 4, 5, 6},
	}
	cfg.Policy.RateLimitPerMinute = 0

	mgr, err := config.NewManager(cfg, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	mem := store.NewMemory("loadtest")
	budget := cfg.Policy.CreditMinimum * int64(lc.NumCalls+1000)
	if lc.Duration > 0 {
		// Duration mode has no call ceiling; make the wallet a non-factor.
		budget = cfg.Policy.CreditMinimum * 10_000_000
	}
	mem.SeedWallet(loadTenantID, strconv.FormatInt(budget, 10))
	mem.SeedAgent(&core.Agent{ID: loadAgentID, TenantID: loadTenantID, Name: "Load Agent", Provider: "vapi"})
	mem.SeedProviders(&core.Provider{Name: "vapi", Status: core.ProviderActive, Priority: 1})
	mem.SeedFeature(loadTenantID, cfg.Policy.CallFeatureKey, true)

	mock := provider.NewMockClient("vapi").WithDelay(lc.ProviderDelay)
	registry := provider.NewRegistry()
	registry.Register(mock)

	gate := policy.NewGate(nil,
		policy.FeatureCheck(mgr, features.NewResolver(mem)),
		policy.HoursCheck(mgr, mem),
		policy.CreditCheck(mgr),
		policy.RateCheck(mgr, policy.NoopLimiter{}),
	)
	disp := dispatch.New(mgr, gate, routing.NewRouter(mem, registry), registry,
		ledger.New(nil), mem, nil, nil, 5*time.Second)

	return disp, mem, core.Principal{SubjectID: "loadtest", TenantID: loadTenantID}
}

func runLoadTest(cfg LoadTestConfig, disp *dispatch.Dispatcher, mem *store.Memory, p core.Principal) *LoadTestStats {
	stats := &LoadTestStats{}
	jobs := make(chan int, cfg.Concurrency*2)

	done := make(chan struct{})
	go reportLoop(stats, cfg.ReportInterval, done)

	var wg sync.WaitGroup
	for w := 0; w < cfg.Concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for seq := range jobs {
				placeCall(disp, mem, p, seq, stats)
			}
		}()
	}

	var deadline time.Time
	if cfg.Duration > 0 {
		deadline = time.Now().Add(cfg.Duration)
	}
	for i := 0; cfg.Duration > 0 || i < cfg.NumCalls; i++ {
		if !deadline.IsZero() && time.Now().After(deadline) {
			break
		}
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	close(done)

	return stats
}

func placeCall(disp *dispatch.Dispatcher, mem *store.Memory, p core.Principal, seq int, stats *LoadTestStats) {
	start := time.Now()
	_, err := disp.StartCall(context.Background(), mem, p, &dispatch.StartCallRequest{
		ToNumber: fmt.Sprintf("+1415555%04d", seq%10000),
		AgentID:  loadAgentID,
	})
	latency := time.Since(start)

	atomic.AddInt64(&stats.TotalCalls, 1)
	if err != nil {
		atomic.AddInt64(&stats.FailedCalls, 1)
	} else {
		atomic.AddInt64(&stats.SuccessfulCalls, 1)
	}

	stats.mu.Lock()
	stats.latencies = append(stats.latencies, latency)
	if stats.minLatency == 0 || latency < stats.minLatency {
		stats.minLatency = latency
	}
	if latency > stats.maxLatency {
		stats.maxLatency = latency
	}
	stats.mu.Unlock()
}

func reportLoop(stats *LoadTestStats, interval time.Duration, done <-chan struct{}) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	start := time.Now()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			total := atomic.LoadInt64(&stats.TotalCalls)
			ok := atomic.LoadInt64(&stats.SuccessfulCalls)
			failed := atomic.LoadInt64(&stats.FailedCalls)
			rate := float64(total) / time.Since(start).Seconds()
			fmt.Printf("📊 Progress: %d calls (%d ok, %d failed), %.1f calls/sec\n",
				total, ok, failed, rate)
		}
	}
}

func printResults(stats *LoadTestStats, elapsed time.Duration) {
	total := atomic.LoadInt64(&stats.TotalCalls)
	ok := atomic.LoadInt64(&stats.SuccessfulCalls)
	failed := atomic.LoadInt64(&stats.FailedCalls)

	successRate := 0.0
	throughput := 0.0
	if total > 0 {
		successRate = float64(ok) / float64(total) * 100
	}
	if elapsed > 0 {
		throughput = float64(total) / elapsed.Seconds()
	}

	stats.mu.Lock()
	latencies := make([]time.Duration, len(stats.latencies))
	copy(latencies, stats.latencies)
	minLat, maxLat := stats.minLatency, stats.maxLatency
	stats.mu.Unlock()

	separator := strings.Repeat("=", 80)
	divider := strings.Repeat("-", 80)

	fmt.Println()
	fmt.Println(separator)
	fmt.Println("📊 DISPATCH LOAD TEST RESULTS")
	fmt.Println(separator)
	fmt.Printf("Total Calls:        %d\n", total)
	fmt.Printf("Successful:         %d (%.2f%%)\n", ok, successRate)
	fmt.Printf("Failed:             %d\n", failed)
	fmt.Printf("Elapsed:            %.2fs\n", elapsed.Seconds())
	fmt.Printf("Throughput:         %.2f calls/sec\n", throughput)
	fmt.Println(divider)
	fmt.Printf("Avg Latency:        %v\n", calculateAverage(latencies))
	fmt.Printf("Min Latency:        %v\n", minLat)
	fmt.Printf("Max Latency:        %v\n", maxLat)
	fmt.Printf("P50 Latency:        %v\n", calculatePercentile(latencies, 50))
	fmt.Printf("P95 Latency:        %v\n", calculatePercentile(latencies, 95))
	fmt.Printf("P99 Latency:        %v\n", calculatePercentile(latencies, 99))
	fmt.Println(separator)

	if throughput > 100 {
		fmt.Printf("✅ PASS: Throughput %.2f calls/sec exceeds 100 calls/sec target\n", throughput)
	} else {
		fmt.Printf("❌ FAIL: Throughput %.2f calls/sec below 100 calls/sec target\n", throughput)
	}
	p95 := calculatePercentile(latencies, 95)
	if p95 < 100*time.Millisecond {
		fmt.Printf("✅ PASS: P95 latency %v under 100ms target\n", p95)
	} else {
		fmt.Printf("⚠️ WARN: P95 latency %v exceeds 100ms target\n", p95)
	}
	if successRate >= 95 {
		fmt.Printf("✅ PASS: Success rate %.2f%% meets 95%% target\n", successRate)
	} else {
		fmt.Printf("❌ FAIL: Success rate %.2f%% below 95%% target\n", successRate)
	}
	fmt.Println(separator)
}

func calculateAverage(latencies []time.Duration) time.Duration {
	if len(latencies) == 0 {
		return 0
	}
	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	return sum / time.Duration(len(latencies))
}

func calculatePercentile(latencies []time.Duration, percentile int) time.Duration {
	if len(latencies) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := len(sorted) * percentile / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
