package telemetry

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records to otel instruments and keeps an in-process tally for the
// stats endpoint. A nil *Metrics is valid and records nothing.
type Metrics struct {
	commands     metric.Int64Counter
	transitions  metric.Int64Counter
	boardCalls   metric.Int64Counter
	boardErrors  metric.Int64Counter
	boardLatency metric.Float64Histogram

	mu        sync.Mutex
	started   time.Time
	total     int64
	failed    int64
	byCommand map[string]int64
	byUser    map[string]int64
	now       func() time.Time
}

func NewMetrics(m metric.Meter) (*Metrics, error) {
	commands, err := m.Int64Counter("taskbridge.commands",
		metric.WithDescription("Commands handled, by command and outcome"))
	if err != nil {
		return nil, err
	}
	transitions, err := m.Int64Counter("taskbridge.transitions",
		metric.WithDescription("Successful lifecycle transitions"))
	if err != nil {
		return nil, err
	}
	boardCalls, err := m.Int64Counter("taskbridge.board.calls",
		metric.WithDescription("Board service calls"))
	if err != nil {
		return nil, err
	}
	boardErrors, err := m.Int64Counter("taskbridge.board.errors",
		metric.WithDescription("Failed board service calls"))
	if err != nil {
		return nil, err
	}
	boardLatency, err := m.Float64Histogram("taskbridge.board.latency",
		metric.WithDescription("Board service call duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	return &Metrics{
		commands:     commands,
		transitions:  transitions,
		boardCalls:   boardCalls,
		boardErrors:  boardErrors,
		boardLatency: boardLatency,
		started:      time.Now(),
		byCommand:    map[string]int64{},
		byUser:       map[string]int64{},
		now:          time.Now,
	}, nil
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

func (m *Metrics) RecordCommand(ctx context.Context, command, userID string, ok bool) {
	if m == nil {
		return
	}
	m.commands.Add(ctx, 1, metric.WithAttributes(
		attribute.String("command", command),
		attribute.String("outcome", outcome(ok)),
	))
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total++
	if !ok {
		m.failed++
	}
	m.byCommand[command]++
	if userID != "" {
		m.byUser[userID]++
	}
}

func (m *Metrics) RecordTransition(ctx context.Context, operation, from, to string) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// ObserveBoard matches board.Instrumented.Observe.
func (m *Metrics) ObserveBoard(ctx context.Context, op string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("op", op))
	m.boardCalls.Add(ctx, 1, attrs)
	m.boardLatency.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
	if err != nil {
		m.boardErrors.Add(ctx, 1, attrs)
	}
}

type Count struct {
	Name  string `json:"name"`
	Count int64  `json:"count"`
}

type Snapshot struct {
	TotalCommands int64   `json:"total_commands"`
	Successful    int64   `json:"successful"`
	Failed        int64   `json:"failed"`
	SuccessRate   float64 `json:"success_rate"`
	UptimeSeconds int64   `json:"uptime_seconds"`
	TopCommands   []Count `json:"top_commands"`
	TopUsers      []Count `json:"top_users"`
}

// Snapshot returns the in-process tally with the top five commands and users.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{TopCommands: []Count{}, TopUsers: []Count{}}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Snapshot{
		TotalCommands: m.total,
		Successful:    m.total - m.failed,
		Failed:        m.failed,
		UptimeSeconds: int64(m.now().Sub(m.started).Seconds()),
		TopCommands:   top(m.byCommand, 5),
		TopUsers:      top(m.byUser, 5),
	}
	if m.total > 0 {
		s.SuccessRate = float64(s.Successful) / float64(m.total) * 100
	}
	return s
}

func top(counts map[string]int64, n int) []Count {
	out := make([]Count, 0, len(counts))
	for k, v := range counts {
		out = append(out, Count{Name: k, Count: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
