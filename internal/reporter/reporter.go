// Package reporter delivers error reports raised while refreshing cached reads.
package reporter

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/smartdevs17/rsk-read-cache/internal/metrics"
	"github.com/smartdevs17/rsk-read-cache/pkg/utils"
)

// Kind classifies a report.
type Kind string

const (
	KindDecode      Kind = "decode_failure"
	KindEncode      Kind = "encode_failure"
	KindReadFailure Kind = "read_failure"
)

// Report describes one failure tied to a call.
type Report struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Reference string    `json:"reference"`
	Address   string    `json:"address,omitempty"`
	Method    string    `json:"method"`
	ParamKey  string    `json:"param_key,omitempty"`
	Block     uint64    `json:"block,omitempty"`
	Message   string    `json:"message"`
	Code      string    `json:"code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewReport builds a report from err, copying its AppError code when present.
func NewReport(kind Kind, reference, method string, err error) *Report {
	r := &Report{
		ID:        utils.GenerateID(),
		Kind:      kind,
		Reference: reference,
		Method:    method,
		Timestamp: time.Now(),
	}
	if err != nil {
		r.Message = err.Error()
		var appErr *utils.AppError
		if errors.As(err, &appErr) {
			r.Code = appErr.Code
		}
	}
	return r
}

// Reporter receives error reports.
type Reporter interface {
	Report(ctx context.Context, report *Report) error
}

// Stats summarizes report delivery.
type Stats struct {
	Sent          uint64     `json:"sent"`
	Failed        uint64     `json:"failed"`
	Dropped       uint64     `json:"dropped"`
	QueueLength   int        `json:"queue_length"`
	LastError     string     `json:"last_error,omitempty"`
	LastErrorTime *time.Time `json:"last_error_time,omitempty"`
}

// Multi fans a report out to several reporters and records delivery metrics.
type Multi struct {
	mu        sync.RWMutex
	reporters map[string]Reporter
	order     []string
	metrics   *metrics.PrometheusMetrics
	stats     Stats
}

// NewMulti creates an empty fan-out reporter.
func NewMulti(pm *metrics.PrometheusMetrics) *Multi {
	return &Multi{
		reporters: make(map[string]Reporter),
		metrics:   pm,
	}
}

// Add registers a reporter under a channel name, replacing any previous one.
func (m *Multi) Add(channel string, r Reporter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.reporters[channel]; !exists {
		m.order = append(m.order, channel)
	}
	m.reporters[channel] = r
}

// Channels lists registered channel names.
func (m *Multi) Channels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// Report delivers the report to every channel and returns the joined errors.
func (m *Multi) Report(ctx context.Context, report *Report) error {
	m.mu.RLock()
	channels := make([]string, len(m.order))
	copy(channels, m.order)
	targets := make([]Reporter, len(channels))
	for i, ch := range channels {
		targets[i] = m.reporters[ch]
	}
	m.mu.RUnlock()

	var errs []error
	for i, r := range targets {
		if err := r.Report(ctx, report); err != nil {
			errs = append(errs, err)
			m.metrics.RecordReportFailure(channels[i], string(report.Kind))
			m.recordFailure(err)
			continue
		}
		m.metrics.RecordReportSent(channels[i], string(report.Kind))
		m.mu.Lock()
		m.stats.Sent++
		m.mu.Unlock()
	}
	return errors.Join(errs...)
}

func (m *Multi) recordFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	m.stats.Failed++
	m.stats.LastError = err.Error()
	m.stats.LastErrorTime = &now
}

// GetStats returns delivery statistics.
func (m *Multi) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

// Nop discards every report.
type Nop struct{}

func (Nop) Report(context.Context, *Report) error { return nil }
