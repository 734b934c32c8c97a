package reporter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smartdevs17/rsk-read-cache/internal/config"
	"github.com/smartdevs17/rsk-read-cache/internal/metrics"
	"github.com/smartdevs17/rsk-read-cache/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureReporter struct {
	mu      sync.Mutex
	reports []*Report
	err     error
}

func (c *captureReporter) Report(_ context.Context, r *Report) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reports = append(c.reports, r)
	return c.err
}

func TestNewReportCopiesCode(t *testing.T) {
	err := utils.NewAppError(utils.ErrCodeDecode, "cannot unpack", "balanceOf")
	r := NewReport(KindDecode, "rif", "balanceOf", err)

	assert.Equal(t, utils.ErrCodeDecode, r.Code)
	assert.Equal(t, "rif", r.Reference)
	assert.NotEmpty(t, r.ID)
	assert.Contains(t, r.Message, "cannot unpack")
}

func TestMultiFanOut(t *testing.T) {
	ok := &captureReporter{}
	failing := &captureReporter{err: errors.New("down")}

	m := NewMulti(metrics.NewTestManager().GetPrometheusMetrics())
	m.Add("log", ok)
	m.Add("webhook", failing)

	err := m.Report(context.Background(), NewReport(KindDecode, "rif", "decimals", errors.New("x")))
	require.Error(t, err)

	assert.Len(t, ok.reports, 1)
	assert.Len(t, failing.reports, 1)
	stats := m.GetStats()
	assert.Equal(t, uint64(1), stats.Sent)
	assert.Equal(t, uint64(1), stats.Failed)
	assert.Equal(t, []string{"log", "webhook"}, m.Channels())
}

func TestWebhookReporterDelivers(t *testing.T) {
	var attempts atomic.Int32
	received := make(chan WebhookPayload, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var p WebhookPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		received <- p
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	wr := NewWebhookReporter(config.ReporterConfig{
		WebhookURL: srv.URL,
		QueueSize:  4,
		Workers:    1,
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
		Timeout:    time.Second,
	})
	require.NoError(t, wr.Start(context.Background()))
	defer wr.Stop()

	require.NoError(t, wr.Report(context.Background(), NewReport(KindDecode, "rif", "balanceOf", errors.New("bad"))))

	select {
	case p := <-received:
		assert.Equal(t, "rif", p.Report.Reference)
		assert.Equal(t, KindDecode, p.Report.Kind)
	case <-time.After(5 * time.Second):
		t.Fatal("webhook not delivered")
	}
	assert.Equal(t, int32(2), attempts.Load())
}

func TestWebhookReporterPermanentFailure(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	wr := NewWebhookReporter(config.ReporterConfig{WebhookURL: srv.URL, MaxRetries: 3, RetryDelay: time.Millisecond})
	err := wr.deliver(context.Background(), NewReport(KindEncode, "rif", "x", nil))

	require.Error(t, err)
	assert.ErrorIs(t, err, errPermanent)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestWebhookReporterRequiresURL(t *testing.T) {
	wr := NewWebhookReporter(config.ReporterConfig{})
	err := wr.Start(context.Background())
	assert.True(t, utils.IsCode(err, utils.ErrCodeConfiguration))
}
