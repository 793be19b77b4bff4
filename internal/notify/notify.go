// Package notify forwards audit log entries to configured webhooks.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"taskbridge/internal/config"
	"taskbridge/internal/domain"
	"taskbridge/internal/repo"
)

const (
	defaultInterval = 2 * time.Second
	defaultTimeout  = 5 * time.Second
	defaultBatch    = 100
	maxRetryElapsed = 30 * time.Second
)

const (
	FormatJSON    = "json"
	FormatDiscord = "discord"
)

// Dispatcher tails the audit log with one cursor per webhook. A webhook's
// cursor only advances past entries it delivered or filtered out, so a failed
// delivery is retried on the next pass.
type Dispatcher struct {
	Repo     repo.Repo
	Hooks    []config.WebhookConfig
	Client   *http.Client
	Interval time.Duration
	Batch    int
	Logger   *slog.Logger
	// NewBackOff builds the retry policy for one delivery.
	NewBackOff func() backoff.BackOff

	mu      sync.Mutex
	cursors map[int]int64
}

func New(r repo.Repo, hooks []config.WebhookConfig, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		Repo:     r,
		Hooks:    hooks,
		Client:   &http.Client{Timeout: defaultTimeout},
		Interval: defaultInterval,
		Batch:    defaultBatch,
		Logger:   logger,
	}
}

// Enabled reports whether any webhook would receive deliveries.
func (d *Dispatcher) Enabled() bool {
	for _, h := range d.Hooks {
		if active(h) {
			return true
		}
	}
	return false
}

func active(h config.WebhookConfig) bool {
	if h.Enabled != nil && !*h.Enabled {
		return false
	}
	return strings.TrimSpace(h.URL) != ""
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// Run polls until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	interval := d.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchOnce runs one pass over every webhook and returns how many entries
// were delivered.
func (d *Dispatcher) DispatchOnce(ctx context.Context) int {
	delivered := 0
	for i, hook := range d.Hooks {
		if !active(hook) {
			continue
		}
		delivered += d.dispatch(ctx, i, hook)
	}
	return delivered
}

func (d *Dispatcher) dispatch(ctx context.Context, idx int, hook config.WebhookConfig) int {
	cursor := d.cursorFor(ctx, idx)
	batch := d.Batch
	if batch <= 0 {
		batch = defaultBatch
	}
	evts, err := d.Repo.EventsAfter(ctx, batch, cursor)
	if err != nil {
		d.logger().Warn("webhook fetch events", "error", err)
		return 0
	}
	filter := newEventFilter(hook.Events)
	delivered := 0
	for _, evt := range evts {
		if !filter.match(evt.Type) {
			d.setCursor(idx, evt.ID)
			continue
		}
		if err := d.deliver(ctx, hook, evt); err != nil {
			d.logger().Error("webhook delivery failed", "url", hook.URL, "event_id", evt.ID, "error", err)
			return delivered
		}
		d.setCursor(idx, evt.ID)
		delivered++
	}
	return delivered
}

// cursorFor starts a new webhook at the current head of the log: entries
// written before the process started are not replayed.
func (d *Dispatcher) cursorFor(ctx context.Context, idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cursors == nil {
		d.cursors = map[int]int64{}
	}
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.Repo.LatestEventID(ctx)
	if err != nil {
		d.logger().Warn("webhook init cursor", "error", err)
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *Dispatcher) setCursor(idx int, v int64) {
	d.mu.Lock()
	d.cursors[idx] = v
	d.mu.Unlock()
}

// Cursor returns the last entry id handled for the webhook at idx.
func (d *Dispatcher) Cursor(idx int) (int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cur, ok := d.cursors[idx]
	return cur, ok
}

func (d *Dispatcher) backOff(ctx context.Context) backoff.BackOff {
	var bo backoff.BackOff
	if d.NewBackOff != nil {
		bo = d.NewBackOff()
	} else {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = 500 * time.Millisecond
		eb.MaxElapsedTime = maxRetryElapsed
		bo = backoff.WithMaxRetries(eb, 4)
	}
	return backoff.WithContext(bo, ctx)
}

func (d *Dispatcher) deliver(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	body, err := Encode(hook.Format, evt)
	if err != nil {
		return backoff.Permanent(err)
	}
	client := d.Client
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	if hook.TimeoutSeconds > 0 {
		timeout := time.Duration(hook.TimeoutSeconds) * time.Second
		if timeout != client.Timeout {
			client = &http.Client{Timeout: timeout, Transport: client.Transport}
		}
	}
	return backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Taskbridge-Event", evt.Type)
		req.Header.Set("X-Taskbridge-Delivery", fmt.Sprintf("%d", evt.ID))
		if strings.TrimSpace(hook.Secret) != "" {
			req.Header.Set("X-Taskbridge-Secret", hook.Secret)
		}
		res, err := client.Do(req)
		if err != nil {
			return err
		}
		defer res.Body.Close()
		if res.StatusCode >= 200 && res.StatusCode < 300 {
			return nil
		}
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		err = fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
		if res.StatusCode >= 400 && res.StatusCode < 500 && res.StatusCode != http.StatusTooManyRequests {
			return backoff.Permanent(err)
		}
		return err
	}, d.backOff(ctx))
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(types []string) eventFilter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		if key := strings.TrimSpace(t); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(typ string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[typ]
	return ok
}
