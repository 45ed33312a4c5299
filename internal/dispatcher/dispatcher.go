package dispatcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"integration-service/internal/ledger"
	"integration-service/internal/model"
	"integration-service/internal/registry"
	"integration-service/pkg/config"
	"integration-service/pkg/signature"
	"integration-service/prometheus"

	"go.uber.org/zap"
)

// Headers carried on every outbound webhook request
const (
	HeaderSignature  = "X-Webhook-Signature"
	HeaderEventType  = "X-Webhook-Event"
	HeaderDeliveryID = "X-Delivery-ID"
)

// Dispatcher is the periodic worker that advances deliveries through their
// retry state machine. A single instance owns the queue; overlapping runs are
// prevented with an atomic single-flight guard.
type Dispatcher struct {
	registry *registry.Registry
	ledger   *ledger.Ledger
	client   *http.Client
	log      *zap.Logger

	interval   time.Duration
	fetchLimit int
	batchSize  int

	running atomic.Bool
	wg      sync.WaitGroup
}

// New creates a dispatcher. The HTTP client carries the hard per-dispatch
// timeout; exceeding it is treated the same as a non-2xx response.
func New(reg *registry.Registry, led *ledger.Ledger, cfg config.DispatcherConfig, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		registry:   reg,
		ledger:     led,
		client:     &http.Client{Timeout: cfg.HTTPTimeout},
		log:        log.With(zap.String("component", "dispatcher")),
		interval:   cfg.Interval,
		fetchLimit: cfg.FetchLimit,
		batchSize:  cfg.BatchSize,
	}
}

// Start launches the periodic processing loop. It returns immediately; the
// loop stops when ctx is cancelled and Wait unblocks once in-flight work is
// recorded.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()

		d.log.Info("Dispatcher started", zap.Duration("interval", d.interval))

		for {
			select {
			case <-ctx.Done():
				d.log.Info("Dispatcher stopped")
				return
			case <-ticker.C:
				d.RunOnce()
			}
		}
	}()
}

// Wait blocks until the processing loop has exited
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// RunOnce processes one batch window of due deliveries. If a run is already
// in progress the call is skipped rather than queued.
func (d *Dispatcher) RunOnce() {
	if !d.running.CompareAndSwap(false, true) {
		d.log.Debug("Skipping run, previous run still in progress")
		return
	}
	defer d.running.Store(false)

	deliveries, err := d.ledger.DueForProcessing(d.fetchLimit)
	if err != nil {
		d.log.Error("Failed to fetch due deliveries", zap.Error(err))
		return
	}
	if len(deliveries) == 0 {
		return
	}

	d.log.Info("Processing due deliveries", zap.Int("count", len(deliveries)))

	// Batches run sequentially, deliveries within a batch concurrently, so
	// one slow receiver can only stall its own batch
	for start := 0; start < len(deliveries); start += d.batchSize {
		end := min(start+d.batchSize, len(deliveries))

		var batch sync.WaitGroup
		for _, delivery := range deliveries[start:end] {
			batch.Add(1)
			go func(dlv model.Delivery) {
				defer batch.Done()
				d.dispatch(dlv)
			}(delivery)
		}
		batch.Wait()
	}
}

// dispatch performs a single delivery attempt and records the outcome. All
// retries happen on later scheduled runs, never synchronously.
func (d *Dispatcher) dispatch(delivery model.Delivery) {
	prometheus.DeliveryInFlightInc()
	defer prometheus.DeliveryInFlightDec()
	defer prometheus.TrackDispatch()(time.Now())

	credential, err := d.registry.Get(delivery.CredentialID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			// Retrying cannot help a delivery whose credential is gone
			d.failTerminal(delivery, "credential not found")
			return
		}
		// A transient lookup failure is not a delivery attempt: leave the
		// delivery due and let a later run pick it up again
		d.log.Error("Failed to load credential for delivery",
			zap.String("delivery_id", delivery.ID),
			zap.String("credential_id", delivery.CredentialID),
			zap.Error(err))
		return
	}
	if !credential.HasCallback() {
		d.failTerminal(delivery, "callback not configured")
		return
	}

	payload := []byte(delivery.Payload)

	req, err := http.NewRequest(http.MethodPost, credential.CallbackURL, bytes.NewReader(payload))
	if err != nil {
		d.failTerminal(delivery, fmt.Sprintf("invalid callback url: %v", err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, signature.Sign(payload, credential.CallbackSecret))
	req.Header.Set(HeaderEventType, delivery.EventType)
	req.Header.Set(HeaderDeliveryID, delivery.ID)

	resp, err := d.client.Do(req)
	if err != nil {
		// Network-level failure or timeout: consumes an attempt like any
		// other failed response
		d.recordFailure(delivery, 0, err.Error())
		return
	}
	defer resp.Body.Close()

	// Read a bounded amount; the ledger truncates further as configured
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := d.ledger.RecordSuccess(delivery.ID, resp.StatusCode, string(body)); err != nil {
			d.log.Error("Failed to record delivery success",
				zap.String("delivery_id", delivery.ID), zap.Error(err))
			return
		}
		prometheus.RecordDeliveryResult("success")
		d.log.Info("Delivery succeeded",
			zap.String("delivery_id", delivery.ID),
			zap.Int("status", resp.StatusCode))
		return
	}

	d.recordFailure(delivery, resp.StatusCode, string(body))
}

func (d *Dispatcher) recordFailure(delivery model.Delivery, status int, errOrBody string) {
	if err := d.ledger.RecordFailure(delivery.ID, status, errOrBody); err != nil {
		d.log.Error("Failed to record delivery failure",
			zap.String("delivery_id", delivery.ID), zap.Error(err))
		return
	}
	prometheus.RecordDeliveryResult("failure")
	d.log.Warn("Delivery attempt failed",
		zap.String("delivery_id", delivery.ID),
		zap.Int("status", status),
		zap.Int("attempts", delivery.Attempts+1))
}

func (d *Dispatcher) failTerminal(delivery model.Delivery, reason string) {
	if err := d.ledger.FailTerminal(delivery.ID, reason); err != nil {
		d.log.Error("Failed to record terminal delivery failure",
			zap.String("delivery_id", delivery.ID), zap.Error(err))
		return
	}
	prometheus.RecordDeliveryResult("failure")
	d.log.Warn("Delivery failed terminally",
		zap.String("delivery_id", delivery.ID),
		zap.String("reason", reason))
}
