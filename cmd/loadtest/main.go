package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	idempotencyHeader = "Idempotency-Key"
	defaultQty        = int64(1)

	outcomeOK        = "ok"
	outcomeSoldOut   = "sold_out"
	outcomeTransport = "transport_error"
)

type loadMode string

const (
	modeCheckout       loadMode = "checkout"
	modeCheckoutCancel loadMode = "checkout-cancel"
	modeFulfil         loadMode = "fulfil"
)

type config struct {
	addr        string
	total       int
	totalSet    bool
	duration    time.Duration
	concurrency int
	timeout     time.Duration
	mode        loadMode
	cancelRate  int
	productID   string
	variant     string
	qty         int64
	channel     string
	customerTag string
	outputPath  string
	verify      bool
}

type latencySummary struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

type methodReport struct {
	Calls     int64            `json:"calls"`
	Success   int64            `json:"success"`
	Failed    int64            `json:"failed"`
	ErrorRate float64          `json:"error_rate"`
	Codes     map[string]int64 `json:"codes"`
	LatencyMs latencySummary   `json:"latency_ms"`
}

// stockCheck — сверка склада после прогона.
type stockCheck struct {
	ProductID     string   `json:"product_id"`
	InitialStock  int64    `json:"initial_stock"`
	FinalStock    int64    `json:"final_stock"`
	FinalSold     int64    `json:"final_sold"`
	ReplayedStock int64    `json:"replayed_stock"`
	ReplayedSold  int64    `json:"replayed_sold"`
	ReservedNet   int64    `json:"reserved_net"`
	Violations    []string `json:"violations,omitempty"`
}

type report struct {
	StartedAt         time.Time               `json:"started_at"`
	DurationSeconds   float64                 `json:"duration_seconds"`
	TotalScenarios    int64                   `json:"total_scenarios"`
	SuccessScenarios  int64                   `json:"success_scenarios"`
	FailedScenarios   int64                   `json:"failed_scenarios"`
	SoldOut           int64                   `json:"sold_out"`
	ErrorRate         float64                 `json:"error_rate"`
	RPS               float64                 `json:"rps"`
	ScenarioLatencyMs latencySummary          `json:"scenario_latency_ms"`
	Methods           map[string]methodReport `json:"methods"`
	Stock             *stockCheck             `json:"stock,omitempty"`
}

type methodStats struct {
	calls     int64
	success   int64
	failed    int64
	codes     map[string]int64
	latencies []float64
}

type collector struct {
	mu      sync.Mutex
	methods map[string]*methodStats

	placedQty    atomic.Int64
	cancelledQty atomic.Int64
}

func newCollector() *collector {
	return &collector{
		methods: make(map[string]*methodStats),
	}
}

func (c *collector) record(method string, latency time.Duration, code string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats, exists := c.methods[method]
	if !exists {
		stats = &methodStats{
			codes: make(map[string]int64),
		}
		c.methods[method] = stats
	}

	stats.calls++
	if ok {
		stats.success++
	} else {
		stats.failed++
	}
	stats.codes[code]++
	stats.latencies = append(stats.latencies, float64(latency.Microseconds())/1000.0)
}

func (c *collector) snapshot(name string) (methodReport, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats, ok := c.methods[name]
	if !ok {
		return methodReport{}, false
	}
	return stats.report(), true
}

func (s *methodStats) report() methodReport {
	codesCopy := make(map[string]int64, len(s.codes))
	for code, count := range s.codes {
		codesCopy[code] = count
	}
	return methodReport{
		Calls:     s.calls,
		Success:   s.success,
		Failed:    s.failed,
		ErrorRate: ratio(s.failed, s.calls),
		Codes:     codesCopy,
		LatencyMs: buildLatencySummary(s.latencies),
	}
}

func (c *collector) buildReport(startedAt time.Time, duration time.Duration) report {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := report{
		StartedAt:       startedAt.UTC(),
		DurationSeconds: duration.Seconds(),
		Methods:         make(map[string]methodReport, len(c.methods)),
	}

	if scenarioStats := c.methods["scenario"]; scenarioStats != nil {
		result.TotalScenarios = scenarioStats.calls
		result.SuccessScenarios = scenarioStats.success
		result.FailedScenarios = scenarioStats.failed
		result.SoldOut = scenarioStats.codes[outcomeSoldOut]
		result.ErrorRate = ratio(scenarioStats.failed, scenarioStats.calls)
		result.ScenarioLatencyMs = buildLatencySummary(scenarioStats.latencies)
	}
	if duration > 0 {
		result.RPS = float64(result.TotalScenarios) / duration.Seconds()
	}

	for name, stats := range c.methods {
		result.Methods[name] = stats.report()
	}

	return result
}

func parseConfig() (config, error) {
	var cfg config
	var modeValue string
	var timeoutValue string
	var durationValue string

	flag.StringVar(&cfg.addr, "addr", "http://localhost:8080", "storefront API base URL")
	flag.IntVar(&cfg.total, "total", 400, "total scenarios to execute in count mode; in duration mode only used when explicitly set")
	flag.StringVar(&durationValue, "duration", "0s", "optional time-based run duration (e.g. 10m, 15m)")
	flag.IntVar(&cfg.concurrency, "concurrency", 40, "number of concurrent shoppers")
	flag.StringVar(&timeoutValue, "timeout", "5s", "per-request timeout")
	flag.StringVar(&modeValue, "mode", string(modeCheckout), "load mode: checkout | checkout-cancel | fulfil")
	flag.IntVar(&cfg.cancelRate, "cancel-rate", 0, "cancel probability in percent for checkout mode (0..100)")
	flag.StringVar(&cfg.productID, "product", "", "product id every shopper competes for")
	flag.StringVar(&cfg.variant, "variant", "", "optional product variant")
	flag.Int64Var(&cfg.qty, "qty", defaultQty, "units per order")
	flag.StringVar(&cfg.channel, "channel", "cod", "payment channel for placed orders")
	flag.StringVar(&cfg.customerTag, "customer-tag", "load", "customer id prefix")
	flag.StringVar(&cfg.outputPath, "output", "", "optional JSON report output file path")
	flag.BoolVar(&cfg.verify, "verify", true, "check the product movement log for overselling after the run")
	flag.Parse()

	timeout, err := time.ParseDuration(strings.TrimSpace(timeoutValue))
	if err != nil {
		return cfg, fmt.Errorf("parse timeout: %w", err)
	}
	cfg.timeout = timeout

	duration, err := time.ParseDuration(strings.TrimSpace(durationValue))
	if err != nil {
		return cfg, fmt.Errorf("parse duration: %w", err)
	}
	cfg.duration = duration

	flag.CommandLine.Visit(func(f *flag.Flag) {
		if f.Name == "total" {
			cfg.totalSet = true
		}
	})

	mode, err := parseMode(modeValue)
	if err != nil {
		return cfg, err
	}
	cfg.mode = mode
	cfg.addr = strings.TrimRight(strings.TrimSpace(cfg.addr), "/")

	if cfg.duration < 0 {
		return cfg, errors.New("duration must be >= 0")
	}
	if cfg.duration == 0 && cfg.total <= 0 {
		return cfg, errors.New("total must be > 0 when duration is not set")
	}
	if cfg.duration > 0 && cfg.totalSet && cfg.total <= 0 {
		return cfg, errors.New("total must be > 0 when explicitly set with duration")
	}
	if cfg.concurrency <= 0 {
		return cfg, errors.New("concurrency must be > 0")
	}
	if cfg.timeout <= 0 {
		return cfg, errors.New("timeout must be > 0")
	}
	if cfg.qty <= 0 {
		return cfg, errors.New("qty must be > 0")
	}
	if cfg.cancelRate < 0 || cfg.cancelRate > 100 {
		return cfg, errors.New("cancel-rate must be between 0 and 100")
	}
	if cfg.addr == "" {
		return cfg, errors.New("addr is required")
	}
	if strings.TrimSpace(cfg.productID) == "" {
		return cfg, errors.New("product is required")
	}
	if strings.TrimSpace(cfg.customerTag) == "" {
		return cfg, errors.New("customer-tag is required")
	}

	return cfg, nil
}

func parseMode(value string) (loadMode, error) {
	switch loadMode(strings.TrimSpace(value)) {
	case modeCheckout:
		return modeCheckout, nil
	case modeCheckoutCancel:
		return modeCheckoutCancel, nil
	case modeFulfil:
		return modeFulfil, nil
	default:
		return "", fmt.Errorf("unsupported mode: %s", value)
	}
}

func main() {
	cfg, err := parseConfig()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	client := newStorefrontClient(cfg.addr, cfg.timeout)

	var initial movementsResponse
	if cfg.verify {
		initial, err = client.Movements(context.Background(), cfg.productID)
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to read initial stock: %v\n", err)
			os.Exit(1)
		}
	}

	startedAt := time.Now()
	runID := fmt.Sprintf("%d-%d", startedAt.UnixNano(), os.Getpid())
	col := newCollector()

	jobs := make(chan int, cfg.concurrency*2)
	var wg sync.WaitGroup
	for workerID := 0; workerID < cfg.concurrency; workerID++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				_ = runScenario(client, cfg, id, runID, col)
			}
		}()
	}

	dispatchJobs(jobs, cfg)
	wg.Wait()

	result := col.buildReport(startedAt, time.Since(startedAt))

	if cfg.verify {
		final, err := client.Movements(context.Background(), cfg.productID)
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to read final stock: %v\n", err)
			os.Exit(1)
		}
		check := verifyStock(initial, final, col.placedQty.Load()-col.cancelledQty.Load())
		result.Stock = &check
	}

	printReport(result, cfg)
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to write report: %v\n", err)
			os.Exit(1)
		}
	}

	if result.FailedScenarios > 0 || (result.Stock != nil && len(result.Stock.Violations) > 0) {
		os.Exit(1)
	}
}

func dispatchJobs(jobs chan<- int, cfg config) {
	defer close(jobs)

	if cfg.duration <= 0 {
		for i := 0; i < cfg.total; i++ {
			jobs <- i
		}
		return
	}

	timer := time.NewTimer(cfg.duration)
	defer timer.Stop()

	for i := 0; ; i++ {
		if cfg.totalSet && i >= cfg.total {
			return
		}

		select {
		case <-timer.C:
			return
		case jobs <- i:
		}
	}
}

// runScenario проигрывает одного покупателя. Отказ по остатку
// считается штатным исходом распродажи, а не ошибкой.
func runScenario(client storefrontClient, cfg config, index int, runID string, col *collector) error {
	scenarioStart := time.Now()
	outcome, ok := outcomeOK, true
	defer func() {
		col.record("scenario", time.Since(scenarioStart), outcome, ok)
	}()

	createKey := fmt.Sprintf("lt-create-%s-%d", runID, index)
	orderID, err := callCreateOrder(client, cfg, fmt.Sprintf("%s-%s-%d", cfg.customerTag, runID, index), createKey, col)
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.soldOut() {
			outcome = outcomeSoldOut
			return nil
		}
		outcome, ok = outcomeOf(err), false
		return err
	}
	col.placedQty.Add(cfg.qty)

	switch {
	case cfg.mode == modeCheckoutCancel || (cfg.mode == modeCheckout && shouldCancelScenario(index, cfg.cancelRate)):
		cancelKey := fmt.Sprintf("lt-cancel-%s-%d", runID, index)
		if err := callCancelOrder(client, cfg.timeout, orderID, cancelKey, col); err != nil {
			outcome, ok = outcomeOf(err), false
			return err
		}
		col.cancelledQty.Add(cfg.qty)
	case cfg.mode == modeFulfil:
		for _, status := range []string{"confirmed", "shipping", "delivered"} {
			key := fmt.Sprintf("lt-%s-%s-%d", status, runID, index)
			if err := callTransition(client, cfg.timeout, orderID, status, key, col); err != nil {
				outcome, ok = outcomeOf(err), false
				return err
			}
		}
	}

	return nil
}

func callCreateOrder(client storefrontClient, cfg config, customerID, key string, col *collector) (string, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
	defer cancel()

	order, err := client.CreateOrder(ctx, createOrderRequest{
		CustomerID: customerID,
		Lines: []orderLine{{
			ProductID: cfg.productID,
			Variant:   cfg.variant,
			Qty:       cfg.qty,
		}},
		ShippingAddress: shippingAddress{
			Recipient: "Load Test",
			Phone:     "0900000000",
			Line1:     "1 Load St",
			City:      "Hanoi",
		},
		PaymentChannel: cfg.channel,
	}, key)
	col.record("CreateOrder", time.Since(start), outcomeOf(err), err == nil)
	if err != nil {
		return "", err
	}
	if order.ID == "" {
		return "", errors.New("create response returned empty order id")
	}
	return order.ID, nil
}

func callCancelOrder(client storefrontClient, timeout time.Duration, orderID, key string, col *collector) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	_, err := client.CancelOrder(ctx, orderID, "load-cancel", key)
	col.record("CancelOrder", time.Since(start), outcomeOf(err), err == nil)
	return err
}

func callTransition(client storefrontClient, timeout time.Duration, orderID, status, key string, col *collector) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	_, err := client.Transition(ctx, orderID, status, key)
	col.record("Transition", time.Since(start), outcomeOf(err), err == nil)
	return err
}

// outcomeOf сводит ошибку к метке для отчёта: HTTP-код, код ошибки API
// или transport_error.
func outcomeOf(err error) string {
	if err == nil {
		return outcomeOK
	}
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		if apiErr.Code != "" {
			return fmt.Sprintf("%d:%s", apiErr.Status, apiErr.Code)
		}
		return fmt.Sprintf("%d", apiErr.Status)
	}
	return outcomeTransport
}

// verifyStock проверяет, что распродажа не ушла в минус и журнал
// движений сходится со счётчиками товара.
func verifyStock(initial, final movementsResponse, reservedNet int64) stockCheck {
	check := stockCheck{
		ProductID:     final.ProductID,
		InitialStock:  initial.Stock,
		FinalStock:    final.Stock,
		FinalSold:     final.SoldCount,
		ReplayedStock: final.ReplayedStock,
		ReplayedSold:  final.ReplayedSold,
		ReservedNet:   reservedNet,
	}
	if final.Stock < 0 {
		check.Violations = append(check.Violations, fmt.Sprintf("stock went negative: %d", final.Stock))
	}
	if final.ReplayedStock != final.Stock {
		check.Violations = append(check.Violations, fmt.Sprintf("replayed stock %d != stock %d", final.ReplayedStock, final.Stock))
	}
	if final.ReplayedSold != final.SoldCount {
		check.Violations = append(check.Violations, fmt.Sprintf("replayed sold %d != sold %d", final.ReplayedSold, final.SoldCount))
	}
	if reservedNet > initial.Stock {
		check.Violations = append(check.Violations, fmt.Sprintf("oversold: placed %d units with %d in stock", reservedNet, initial.Stock))
	}
	if initial.Stock-final.Stock != reservedNet {
		check.Violations = append(check.Violations, fmt.Sprintf("stock moved by %d, orders reserved %d", initial.Stock-final.Stock, reservedNet))
	}
	return check
}

func shouldCancelScenario(index, cancelRate int) bool {
	if cancelRate <= 0 {
		return false
	}
	if cancelRate >= 100 {
		return true
	}
	return index%100 < cancelRate
}

func writeJSONReport(path string, result report) error {
	cleanPath := filepath.Clean(path)
	if cleanPath == "." || cleanPath == string(filepath.Separator) {
		return errors.New("output path must point to a file")
	}
	if cleanPath == ".." || strings.HasPrefix(cleanPath, ".."+string(filepath.Separator)) {
		return fmt.Errorf("output path must be inside current directory: %s", path)
	}

	// #nosec G304 -- path is an explicit CLI output parameter for local load-test reports.
	file, err := os.Create(cleanPath)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

func printReport(result report, cfg config) {
	fmt.Println("Load test summary")
	fmt.Printf("mode=%s product=%s run=%s total=%d success=%d sold_out=%d failed=%d error_rate=%.4f\n",
		cfg.mode,
		cfg.productID,
		runTarget(cfg),
		result.TotalScenarios,
		result.SuccessScenarios,
		result.SoldOut,
		result.FailedScenarios,
		result.ErrorRate,
	)
	fmt.Printf("duration=%.2fs rps=%.2f\n", result.DurationSeconds, result.RPS)
	fmt.Printf("scenario latency ms: min=%.2f avg=%.2f p50=%.2f p95=%.2f p99=%.2f max=%.2f\n",
		result.ScenarioLatencyMs.Min,
		result.ScenarioLatencyMs.Avg,
		result.ScenarioLatencyMs.P50,
		result.ScenarioLatencyMs.P95,
		result.ScenarioLatencyMs.P99,
		result.ScenarioLatencyMs.Max,
	)

	methodNames := make([]string, 0, len(result.Methods))
	for name := range result.Methods {
		if name == "scenario" {
			continue
		}
		methodNames = append(methodNames, name)
	}
	sort.Strings(methodNames)
	for _, name := range methodNames {
		stats := result.Methods[name]
		fmt.Printf(
			"%s: calls=%d success=%d failed=%d error_rate=%.4f p95=%.2fms\n",
			name,
			stats.Calls,
			stats.Success,
			stats.Failed,
			stats.ErrorRate,
			stats.LatencyMs.P95,
		)
	}

	if result.Stock != nil {
		s := result.Stock
		fmt.Printf("stock: initial=%d final=%d sold=%d reserved_net=%d\n", s.InitialStock, s.FinalStock, s.FinalSold, s.ReservedNet)
		if len(s.Violations) == 0 {
			fmt.Println("stock check: OK")
		}
		for _, v := range s.Violations {
			fmt.Printf("stock check FAILED: %s\n", v)
		}
	}
}

func runTarget(cfg config) string {
	if cfg.duration <= 0 {
		return fmt.Sprintf("count:%d", cfg.total)
	}
	if cfg.totalSet {
		return fmt.Sprintf("duration:%s,max-total:%d", cfg.duration, cfg.total)
	}
	return fmt.Sprintf("duration:%s", cfg.duration)
}

func buildLatencySummary(values []float64) latencySummary {
	if len(values) == 0 {
		return latencySummary{}
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	var sum float64
	for _, value := range sorted {
		sum += value
	}

	return latencySummary{
		Min: sorted[0],
		Max: sorted[len(sorted)-1],
		Avg: sum / float64(len(sorted)),
		P50: percentile(sorted, 50),
		P95: percentile(sorted, 95),
		P99: percentile(sorted, 99),
	}
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}

	rank := (p / 100.0) * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}

	weight := rank - float64(lower)
	return sorted[lower] + (sorted[upper]-sorted[lower])*weight
}

func ratio(failed, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(failed) / float64(total)
}
