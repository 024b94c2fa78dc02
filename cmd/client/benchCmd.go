package client

import (
	"context"
	"encoding/csv"
	"fmt"
	"github.com/ValentinKolb/dRPC/cmd/util"
	"github.com/ValentinKolb/dRPC/rpc/call"
	"github.com/ValentinKolb/dRPC/rpc/transport"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"math"
	"os"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

var (
	benchCmd = &cobra.Command{
		Use:     "bench",
		Short:   "Performance testing tool for dRPC server endpoints",
		RunE:    runBench,
		PreRunE: processBenchConfig,
	}
	benchCalls       = 10000
	benchReactors    = 4
	benchPayloadSize = 64
	benchMethod      = "Echo"
	benchInterval    = time.Millisecond
	benchDeadline    = time.Minute
)

func init() {
	// add flags
	key := "calls"
	benchCmd.Flags().Int(key, benchCalls, util.WrapString("Number of calls to dispatch"))
	key = "reactors"
	benchCmd.Flags().Int(key, benchReactors, util.WrapString("Number of call reactors (and dispatching goroutines) the calls are spread over"))
	key = "payload"
	benchCmd.Flags().Int(key, benchPayloadSize, util.WrapString("Size of the call arguments in bytes"))
	key = "method"
	benchCmd.Flags().String(key, benchMethod, util.WrapString("The method to call"))
	key = "reactor-interval"
	benchCmd.Flags().Int64(key, benchInterval.Milliseconds(), util.WrapString("Poll interval of the call reactors in milliseconds"))
	key = "deadline"
	benchCmd.Flags().Int64(key, int64(benchDeadline/time.Second), util.WrapString("Seconds after which the benchmark gives up waiting"))
	key = "csv"
	benchCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processBenchConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// Read the configuration from the command line flags and environment variables
	benchCalls = viper.GetInt("calls")
	benchReactors = max(viper.GetInt("reactors"), 1)
	benchPayloadSize = viper.GetInt("payload")
	benchMethod = viper.GetString("method")
	benchInterval = time.Duration(max(viper.GetInt64("reactor-interval"), 1)) * time.Millisecond
	benchDeadline = time.Duration(viper.GetInt64("deadline")) * time.Second

	if benchCalls <= 0 || benchPayloadSize < 0 || benchDeadline <= 0 {
		return fmt.Errorf("calls and deadline must be positive, payload must not be negative")
	}
	return nil
}

// benchResult collects the outcome of all calls
type benchResult struct {
	mu        sync.Mutex
	latencies []time.Duration
	failed    atomic.Int64
	elapsed   time.Duration
}

func (r *benchResult) observe(slot *call.CallSlot) error {
	if _, err := slot.ReturnValue(context.Background()); err != nil {
		r.failed.Add(1)
		return err
	}
	r.mu.Lock()
	r.latencies = append(r.latencies, slot.Elapsed())
	r.mu.Unlock()
	return nil
}

func (r *benchResult) percentile(p float64) time.Duration {
	if len(r.latencies) == 0 {
		return 0
	}
	i := int(math.Ceil(p*float64(len(r.latencies)))) - 1
	return r.latencies[max(i, 0)]
}

func runBench(cmd *cobra.Command, _ []string) error {
	defer closeClient()

	fmt.Println("Performance testing tool for dRPC server endpoints")

	// Print configuration
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(clientConfig.String())
	fmt.Printf("Calls: %d, Reactors: %d, Payload: %d bytes, Method: %s\n", benchCalls, benchReactors, benchPayloadSize, benchMethod)
	fmt.Println()

	fmt.Println("starting benchmark...")

	ctx, cancel := context.WithTimeout(cmd.Context(), benchDeadline)
	defer cancel()

	payload := make([]byte, benchPayloadSize)
	for i := range payload {
		payload[i] = byte('a' + i%26)
	}

	result := &benchResult{latencies: make([]time.Duration, 0, benchCalls)}
	reactors := make([]*call.CallReactor, benchReactors)
	start := time.Now()

	// every goroutine dispatches its share of calls and hands them to its own reactor
	g, gctx := errgroup.WithContext(ctx)
	for r := 0; r < benchReactors; r++ {
		share := benchCalls / benchReactors
		if r < benchCalls%benchReactors {
			share++
		}
		g.Go(func() error {
			calls := make([]*call.Call, 0, share)
			for i := 0; i < share; i++ {
				slot, err := rpcClient.Call(gctx, benchMethod, payload)
				if err != nil {
					result.failed.Add(1)
					continue
				}
				calls = append(calls, call.NewCall(slot, result.observe))
			}
			reactor, err := call.NewCallReactor(calls, call.ReactorOptions{Interval: benchInterval})
			if err != nil {
				return err
			}
			reactors[r] = reactor.Start()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := call.WaitAll(ctx, reactors...); err != nil {
		return fmt.Errorf("benchmark did not finish: %w", err)
	}
	result.elapsed = time.Since(start)

	printBenchResult(result)

	if csvPath := viper.GetString("csv"); csvPath != "" {
		if err := writeResultToCSV(csvPath, result); err != nil {
			return err
		}
		fmt.Printf("\nresults written to %s\n", csvPath)
	}
	return nil
}

// printBenchResult prints the throughput, latency percentiles and transport statistics
func printBenchResult(result *benchResult) {
	sort.Slice(result.latencies, func(i, j int) bool { return result.latencies[i] < result.latencies[j] })

	succeeded := len(result.latencies)
	seconds := math.Max(result.elapsed.Seconds(), 1e-9) // prevent division by zero
	fmt.Println()
	fmt.Printf("%-20s%d ok, %d failed in %s\n", "calls", succeeded, result.failed.Load(), result.elapsed)
	fmt.Printf("%-20s%.0f calls/sec\n", "throughput", float64(succeeded)/seconds)
	fmt.Printf("%-20sp50 %s\tp90 %s\tp99 %s\n", "observed latency", result.percentile(0.5), result.percentile(0.9), result.percentile(0.99))

	b := rpcClient.Binding()
	fmt.Println()
	fmt.Println("Transports:")
	for node, count := range b.NodeCounts() {
		fmt.Printf("%-20s%d open\n", node, count)
	}
	for i, t := range b.ClientTransports() {
		snap := t.Stats().Snapshot()
		fmt.Printf("#%-19d%d sent, %d received, %d errors, round trip (ema) %s, size avg/p90/max %d/%d/%d bytes\n",
			i, snap.MessagesSent, snap.MessagesReceived, snap.Errors, snap.Timers[transport.RoundTripTimer],
			snap.AverageSize, snap.P90Size, snap.MaxSize)
	}
}

// writeResultToCSV writes the benchmark result to a CSV file
func writeResultToCSV(csvPath string, result *benchResult) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{
		"Address", "Contract", "Method", "Serializer",
		"Calls", "Failed", "Reactors", "PayloadBytes",
		"ElapsedNs", "CallsPerSec", "P50Ns", "P90Ns", "P99Ns",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	succeeded := len(result.latencies)
	row := []string{
		clientConfig.Address, clientConfig.Contract, benchMethod, clientConfig.Binding.Serializer,
		strconv.Itoa(succeeded), strconv.FormatInt(result.failed.Load(), 10), strconv.Itoa(benchReactors), strconv.Itoa(benchPayloadSize),
		strconv.FormatInt(result.elapsed.Nanoseconds(), 10),
		strconv.FormatFloat(float64(succeeded)/math.Max(result.elapsed.Seconds(), 1e-9), 'f', 0, 64),
		strconv.FormatInt(result.percentile(0.5).Nanoseconds(), 10),
		strconv.FormatInt(result.percentile(0.9).Nanoseconds(), 10),
		strconv.FormatInt(result.percentile(0.99).Nanoseconds(), 10),
	}
	if err := writer.Write(row); err != nil {
		return fmt.Errorf("failed to write CSV row: %v", err)
	}
	return nil
}
