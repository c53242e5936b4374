package dispatch

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/orrn/printbridge/internal/config"
)

const (
	reporterWorkers   = 3
	reporterQueueSize = 100
	reporterRetries   = 3
	reporterTimeout   = 10 * time.Second
)

type reportTask struct {
	target  config.WebhookConfig
	payload []byte
	event   string
}

// Reporter POSTs terminal dispatch results to the configured webhook
// endpoints, HMAC-signed, through a bounded queue with retry workers.
// A full queue drops rather than blocking dispatch.
type Reporter struct {
	targets    []config.WebhookConfig
	client     *http.Client
	retryDelay time.Duration
	log        *slog.Logger

	queue  chan *reportTask
	stopCh chan struct{}
	wg     sync.WaitGroup
}

type webhookPayload struct {
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Data      *Result   `json:"data"`
}

func NewReporter(targets []config.WebhookConfig, retryDelay time.Duration, log *slog.Logger) *Reporter {
	if retryDelay <= 0 {
		retryDelay = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Reporter{
		targets:    targets,
		client:     &http.Client{Timeout: reporterTimeout},
		retryDelay: retryDelay,
		log:        log.With("component", "reporter"),
		queue:      make(chan *reportTask, reporterQueueSize),
		stopCh:     make(chan struct{}),
	}
}

func (r *Reporter) Start() {
	for i := 0; i < reporterWorkers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
}

func (r *Reporter) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

// Report fans a terminal result out to every target subscribed to its
// outcome. An empty events list on a target means all outcomes.
func (r *Reporter) Report(res *Result) {
	event := "job_" + string(res.Outcome)

	for _, target := range r.targets {
		if !wants(target, string(res.Outcome)) {
			continue
		}

		body, err := json.Marshal(&webhookPayload{
			Event:     event,
			Timestamp: time.Now().UTC(),
			Data:      res,
		})
		if err != nil {
			r.log.Error("marshal webhook payload", "error", err)
			return
		}

		select {
		case r.queue <- &reportTask{target: target, payload: body, event: event}:
		default:
			r.log.Warn("webhook queue full, dropping notification",
				"webhook", target.Name, "correlation_id", res.CorrelationID)
		}
	}
}

func wants(target config.WebhookConfig, outcome string) bool {
	if len(target.Events) == 0 {
		return true
	}
	for _, e := range target.Events {
		if e == outcome {
			return true
		}
	}
	return false
}

func (r *Reporter) worker() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stopCh:
			return
		case t := <-r.queue:
			r.sendWithRetry(t)
		}
	}
}

func (r *Reporter) sendWithRetry(t *reportTask) {
	var lastErr error
	for attempt := 1; attempt <= reporterRetries; attempt++ {
		status, err := r.send(t)
		if err == nil {
			return
		}
		lastErr = err

		// A 4xx is the receiver telling us the request itself is wrong;
		// retrying the same bytes will not help.
		if status >= 400 && status < 500 {
			r.log.Warn("webhook rejected", "webhook", t.target.Name, "status", status)
			return
		}

		if attempt < reporterRetries {
			backoff := r.retryDelay * time.Duration(1<<(attempt-1))
			select {
			case <-r.stopCh:
				return
			case <-time.After(backoff):
			}
		}
	}
	r.log.Error("webhook delivery failed", "webhook", t.target.Name, "error", lastErr)
}

func (r *Reporter) send(t *reportTask) (int, error) {
	req, err := http.NewRequest(http.MethodPost, t.target.URL, bytes.NewReader(t.payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", t.event)
	if t.target.Secret != "" {
		req.Header.Set("X-Webhook-Signature", sign(t.payload, t.target.Secret))
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return resp.StatusCode, &httpStatusError{status: resp.StatusCode}
	}
	return resp.StatusCode, nil
}

type httpStatusError struct {
	status int
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("http error: %d", e.status)
}

func sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
