// Package telemetry exports the scheduler's InterfaceDataAmount throughput
// accumulator as Prometheus gauges and serves them over HTTP, the ambient
// observability stack SPEC_FULL.md §2 names for "throughput reporting"
// (spec.md §3's InterfaceDataAmount is explicitly "used only for throughput
// reporting").
//
// Grounded on 0xkanth-polymarket-indexer's internal/syncer/syncer.go
// (promauto.NewGauge package-level metric vars, updated from a stateful
// loop) and its cmd/indexer/main.go (a dedicated http.Server serving
// promhttp.Handler() alongside the main work loop) — both also used by
// ghjramos-aistore's runtime metrics.
package telemetry

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openpsi-project/realmaster/scheduler"
)

var (
	stepGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "realmaster_global_step",
		Help: "Current global training step.",
	})
	epochGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "realmaster_epoch",
		Help: "Current epoch, 0-indexed.",
	})
	bufferSizeGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "realmaster_buffer_size",
		Help: "Number of live records currently held in the sequence buffer.",
	})
	bufferWaitersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "realmaster_buffer_waiters",
		Help: "Number of RPC request coroutines currently blocked on GetBatchForRPC.",
	})
	batchSizeGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "realmaster_interface_batch_size",
		Help: "Number of sequences processed by all invocations of an interface type in the most recently recorded step.",
	}, []string{"interface"})
	tokensGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "realmaster_interface_tokens_total",
		Help: "Total tokens processed by all invocations of an interface type in the most recently recorded step.",
	}, []string{"interface"})
	stepDurationGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "realmaster_step_duration_seconds",
		Help: "Wall-clock duration of the most recently completed step.",
	})
)

// RecordStepStats updates the interface-level gauges from a snapshot of the
// scheduler's per-step accumulator. Callers should do this right before
// calling Clear() at a step boundary, per spec.md §3's "cleared at the end
// of each step".
func RecordStepStats(amount *scheduler.InterfaceDataAmountSnapshot) {
	batchSizeGauge.WithLabelValues("generate").Set(float64(sumLastBatch(amount.GenBatchSizes)))
	batchSizeGauge.WithLabelValues("inference").Set(float64(sumLastBatch(amount.InfBatchSizes)))
	batchSizeGauge.WithLabelValues("train_step").Set(float64(sumLastBatch(amount.TrainBatchSizes)))

	tokensGauge.WithLabelValues("generate").Set(float64(sumTokens(amount.PromptLens)))
	tokensGauge.WithLabelValues("inference").Set(float64(sumTokens(amount.InfSeqlens)))
	tokensGauge.WithLabelValues("train_step").Set(float64(sumTokens(amount.TrainSeqlens)))
}

func sumLastBatch(batchSizes []int) int {
	total := 0
	for _, n := range batchSizes {
		total += n
	}
	return total
}

func sumTokens(seqlens [][]int) int {
	total := 0
	for _, batch := range seqlens {
		for _, l := range batch {
			total += l
		}
	}
	return total
}

// SetStep updates the global-step and epoch gauges, called once per step by
// the driver's step loop.
func SetStep(globalStep, epoch int) {
	stepGauge.Set(float64(globalStep))
	epochGauge.Set(float64(epoch))
}

// SetBufferStats updates the sequence-buffer gauges.
func SetBufferStats(size, waiters int) {
	bufferSizeGauge.Set(float64(size))
	bufferWaitersGauge.Set(float64(waiters))
}

// SetStepDuration records the wall-clock time the most recently completed
// step took.
func SetStepDuration(seconds float64) {
	stepDurationGauge.Set(seconds)
}

// Server serves the registered metrics over HTTP, mirroring
// cmd/indexer/main.go's dedicated metrics http.Server running alongside
// the main work loop.
type Server struct {
	http *http.Server
}

// NewServer builds a metrics server bound to addr (not yet listening).
func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{http: &http.Server{Addr: addr, Handler: mux}}
}

// ListenAndServe starts serving metrics until ctx is cancelled, at which
// point it shuts the server down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.http.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return s.http.Shutdown(context.Background())
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("telemetry: metrics server: %w", err)
		}
		return nil
	}
}
