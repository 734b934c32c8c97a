package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/rsk-read-cache/internal/config"
	"github.com/smartdevs17/rsk-read-cache/pkg/retry"
	"github.com/smartdevs17/rsk-read-cache/pkg/utils"
	"golang.org/x/time/rate"
)

// WebhookPayload is the body posted for each report.
type WebhookPayload struct {
	Source    string    `json:"source"`
	Type      string    `json:"type"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
	Report    *Report   `json:"report"`
}

// errPermanent marks a webhook response that retrying will not fix.
var errPermanent = errors.New("permanent webhook failure")

// WebhookReporter posts reports to an HTTP endpoint from a bounded queue.
type WebhookReporter struct {
	url        string
	httpClient *http.Client
	limiter    *rate.Limiter
	policy     retry.Policy
	workers    int
	logger     *logrus.Entry

	queue chan *Report
	wg    sync.WaitGroup

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	stats   Stats
}

// NewWebhookReporter creates a webhook reporter from configuration.
func NewWebhookReporter(cfg config.ReporterConfig) *WebhookReporter {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 100
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}

	policy := retry.DefaultPolicy()
	policy.MaxRetries = cfg.MaxRetries
	if cfg.RetryDelay > 0 {
		policy.InitialBackoff = cfg.RetryDelay
		policy.MaxBackoff = 30 * time.Second
	}

	return &WebhookReporter{
		url: cfg.WebhookURL,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     30 * time.Second,
			},
		},
		limiter: rate.NewLimiter(limit, 1),
		policy:  policy,
		workers: workers,
		logger:  utils.ComponentLogger("webhook_reporter"),
		queue:   make(chan *Report, queueSize),
	}
}

// Start launches the delivery workers.
func (w *WebhookReporter) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return utils.NewAppError(utils.ErrCodeInternal, "Webhook reporter already running")
	}
	if w.url == "" {
		return utils.NewAppError(utils.ErrCodeConfiguration, "Webhook URL is required")
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.running = true
	for i := 0; i < w.workers; i++ {
		w.wg.Add(1)
		go w.worker(ctx)
	}

	w.logger.WithFields(logrus.Fields{"url": w.url, "workers": w.workers}).Info("Webhook reporter started")
	return nil
}

// Stop drains nothing further and waits for in-flight deliveries.
func (w *WebhookReporter) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.cancel()
	w.mu.Unlock()

	w.wg.Wait()
	w.logger.Info("Webhook reporter stopped")
	return nil
}

// Report enqueues the report without blocking the caller.
func (w *WebhookReporter) Report(_ context.Context, report *Report) error {
	select {
	case w.queue <- report:
		return nil
	default:
		w.mu.Lock()
		w.stats.Dropped++
		w.mu.Unlock()
		return utils.NewAppError(utils.ErrCodeInternal, "Webhook queue full", report.ID)
	}
}

// GetStats returns delivery statistics.
func (w *WebhookReporter) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	stats := w.stats
	stats.QueueLength = len(w.queue)
	return stats
}

func (w *WebhookReporter) worker(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case report := <-w.queue:
			err := w.deliver(ctx, report)
			w.mu.Lock()
			if err != nil {
				now := time.Now()
				w.stats.Failed++
				w.stats.LastError = err.Error()
				w.stats.LastErrorTime = &now
			} else {
				w.stats.Sent++
			}
			w.mu.Unlock()
			if err != nil {
				w.logger.WithError(err).WithField("report_id", report.ID).Warn("Webhook delivery failed")
			}
		}
	}
}

func (w *WebhookReporter) deliver(ctx context.Context, report *Report) error {
	body, err := json.Marshal(&WebhookPayload{
		Source:    "rsk-read-cache",
		Type:      "read_cache_report",
		Version:   "1.0",
		Timestamp: time.Now(),
		Report:    report,
	})
	if err != nil {
		return utils.WrapAppError(utils.ErrCodeInternal, "Failed to marshal webhook payload", err)
	}

	retryable := func(err error) bool { return !errors.Is(err, errPermanent) }
	notify := func(n int, err error, wait time.Duration) {
		w.logger.WithFields(logrus.Fields{"attempt": n, "wait": wait, "error": err}).Debug("Retrying webhook")
	}

	return retry.DoVoid(ctx, w.policy, retryable, notify, func() error {
		if err := w.limiter.Wait(ctx); err != nil {
			return err
		}
		return w.post(ctx, body)
	})
}

func (w *WebhookReporter) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", errPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "RSK-Read-Cache/1.0")
	req.Header.Set("X-Request-ID", utils.GenerateID())

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return utils.WrapAppError(utils.ErrCodeConnection, "Failed to send webhook", err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d: %s", errPermanent, resp.StatusCode, snippet)
	default:
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, snippet)
	}
}
