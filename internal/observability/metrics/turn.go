package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type turnKey struct {
	outcome string
}

type approvalKey struct {
	decision string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type collector struct {
	mu        sync.Mutex
	turns     map[turnKey]uint64
	approvals map[approvalKey]uint64
	duration  map[turnKey]*histogram
}

var turnCollector = &collector{
	turns:     make(map[turnKey]uint64),
	approvals: make(map[approvalKey]uint64),
	duration:  make(map[turnKey]*histogram),
}

// ObserveTurn records a finished turn with its terminal outcome and wall time.
func ObserveTurn(outcome string, duration time.Duration) {
	turnCollector.observeTurn(outcome, duration)
}

// ObserveApproval records a resolved money-moving approval.
func ObserveApproval(decision string) {
	turnCollector.observeApproval(decision)
}

func (c *collector) observeTurn(outcome string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := turnKey{outcome: outcome}
	c.turns[key]++

	hist := c.duration[key]
	if hist == nil {
		hist = newHistogram()
		c.duration[key] = hist
	}
	hist.observe(duration.Seconds())
}

func (c *collector) observeApproval(decision string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.approvals[approvalKey{decision: decision}]++
}

func newHistogram() *histogram {
	// 回合时长的量级远大于 HTTP 请求，桶上界对齐看门狗与硬上限。
	buckets := []float64{1, 5, 15, 30, 60, 120, 300}
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			break
		}
	}
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, turnCollector.render())
	})
}

func (c *collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	type turnMetric struct {
		turnKey
		value uint64
	}
	type approvalMetric struct {
		approvalKey
		value uint64
	}
	type durationMetric struct {
		turnKey
		buckets []float64
		counts  []uint64
		sum     float64
		count   uint64
	}

	turns := make([]turnMetric, 0, len(c.turns))
	for key, value := range c.turns {
		turns = append(turns, turnMetric{turnKey: key, value: value})
	}
	approvals := make([]approvalMetric, 0, len(c.approvals))
	for key, value := range c.approvals {
		approvals = append(approvals, approvalMetric{approvalKey: key, value: value})
	}
	durations := make([]durationMetric, 0, len(c.duration))
	for key, hist := range c.duration {
		durations = append(durations, durationMetric{
			turnKey: key,
			buckets: append([]float64(nil), hist.buckets...),
			counts:  append([]uint64(nil), hist.counts...),
			sum:     hist.sum,
			count:   hist.count,
		})
	}

	sort.Slice(turns, func(i, j int) bool { return turns[i].outcome < turns[j].outcome })
	sort.Slice(approvals, func(i, j int) bool { return approvals[i].decision < approvals[j].decision })
	sort.Slice(durations, func(i, j int) bool { return durations[i].outcome < durations[j].outcome })

	var builder strings.Builder
	builder.Grow(1024)

	builder.WriteString("# HELP walletd_turns_total Total number of agent turns by terminal outcome.\n")
	builder.WriteString("# TYPE walletd_turns_total counter\n")
	for _, metric := range turns {
		builder.WriteString(fmt.Sprintf("walletd_turns_total{outcome=\"%s\"} %d\n",
			escape(metric.outcome), metric.value))
	}

	builder.WriteString("# HELP walletd_approvals_total Total number of resolved money-moving approvals.\n")
	builder.WriteString("# TYPE walletd_approvals_total counter\n")
	for _, metric := range approvals {
		builder.WriteString(fmt.Sprintf("walletd_approvals_total{decision=\"%s\"} %d\n",
			escape(metric.decision), metric.value))
	}

	builder.WriteString("# HELP walletd_turn_duration_seconds Agent turn duration in seconds.\n")
	builder.WriteString("# TYPE walletd_turn_duration_seconds histogram\n")
	for _, metric := range durations {
		for idx, bound := range metric.buckets {
			builder.WriteString(fmt.Sprintf("walletd_turn_duration_seconds_bucket{outcome=\"%s\",le=\"%s\"} %d\n",
				escape(metric.outcome), formatFloat(bound), metric.counts[idx]))
		}
		builder.WriteString(fmt.Sprintf("walletd_turn_duration_seconds_bucket{outcome=\"%s\",le=\"+Inf\"} %d\n",
			escape(metric.outcome), metric.count))
		builder.WriteString(fmt.Sprintf("walletd_turn_duration_seconds_sum{outcome=\"%s\"} %s\n",
			escape(metric.outcome), formatFloat(metric.sum)))
		builder.WriteString(fmt.Sprintf("walletd_turn_duration_seconds_count{outcome=\"%s\"} %d\n",
			escape(metric.outcome), metric.count))
	}

	return builder.String()
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
