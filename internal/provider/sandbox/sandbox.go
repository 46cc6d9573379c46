// Package sandbox simulates an asynchronous processor for local development. Charges are
// accepted as pending and a worker pool settles them later, reporting the result through a
// signed webhook exactly like a real provider would.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/frahmantamala/restaurant-pos/internal/provider"
)

const Name = "sandbox"

var paymentNamespace = uuid.MustParse("9a0e8f8e-3f63-4d8e-b1a4-7c1b2f0d5e21")

// declineCents makes any amount ending in .13 settle as declined.
var declineCents = decimal.RequireFromString("0.13")

type Config struct {
	WebhookURL    string
	WebhookSecret string
	SettleDelay   time.Duration
	MaxWorkers    int
	JobQueueSize  int
}

type Client struct {
	webhookURL    string
	webhookSecret string
	settleDelay   time.Duration
	http          *resty.Client
	logger        *slog.Logger

	mu       sync.Mutex
	accepted map[string]provider.OutcomeKind

	jobQueue   chan settleJob
	workerPool chan chan settleJob
	maxWorkers int
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	once       sync.Once
}

var (
	_ provider.Adapter         = (*Client)(nil)
	_ provider.WebhookVerifier = (*Client)(nil)
)

func New(config Config, logger *slog.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	maxWorkers := config.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = 4
	}
	jobQueueSize := config.JobQueueSize
	if jobQueueSize <= 0 {
		jobQueueSize = 100
	}

	c := &Client{
		webhookURL:    config.WebhookURL,
		webhookSecret: config.WebhookSecret,
		settleDelay:   config.SettleDelay,
		http:          resty.New().SetTimeout(10 * time.Second).SetRetryCount(0),
		logger:        logger,
		accepted:      make(map[string]provider.OutcomeKind),
		maxWorkers:    maxWorkers,
		jobQueue:      make(chan settleJob, jobQueueSize),
		workerPool:    make(chan chan settleJob, maxWorkers),
		ctx:           ctx,
		cancel:        cancel,
	}

	c.startWorkerPool()

	return c
}

func (c *Client) Name() string {
	return Name
}

func (c *Client) startWorkerPool() {
	c.once.Do(func() {
		for i := 0; i < c.maxWorkers; i++ {
			worker := NewWorker(i, c.workerPool, c.logger)
			worker.Start(c.ctx, &c.wg, c.settle)
		}

		c.wg.Add(1)
		go c.dispatch()

		c.logger.Info("sandbox worker pool started",
			"max_workers", c.maxWorkers,
			"queue_size", cap(c.jobQueue))
	})
}

func (c *Client) dispatch() {
	defer c.wg.Done()

	for {
		select {
		case job := <-c.jobQueue:
			select {
			case jobChannel := <-c.workerPool:
				select {
				case jobChannel <- job:
				case <-c.ctx.Done():
					return
				}
			case <-c.ctx.Done():
				return
			}
		case <-c.ctx.Done():
			c.logger.Info("sandbox dispatcher shutting down")
			return
		}
	}
}

func (c *Client) Shutdown() {
	c.logger.Info("shutting down sandbox provider")
	c.cancel()
	c.wg.Wait()
	c.logger.Info("sandbox provider shutdown complete")
}

type chargeResponse struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	TransactionID string `json:"transaction_id"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
}

// Charge accepts the payment as pending. A repeated key returns the same payment id and the
// latest known status without queueing another settlement.
func (c *Client) Charge(ctx context.Context, req provider.ChargeRequest, idempotencyKey string) provider.Outcome {
	if err := ctx.Err(); err != nil {
		return provider.TransportError(err)
	}

	ptx := "sbx_" + uuid.NewSHA1(paymentNamespace, []byte(idempotencyKey)).String()

	c.mu.Lock()
	kind, seen := c.accepted[ptx]
	if !seen {
		job := settleJob{
			ProviderTransactionID: ptx,
			TransactionID:         req.TransactionID,
			OrderID:               req.OrderID,
			Decline:               req.Amount.Mod(decimal.NewFromInt(1)).Equal(declineCents),
		}
		select {
		case c.jobQueue <- job:
			kind = provider.OutcomePending
			c.accepted[ptx] = kind
		default:
			c.mu.Unlock()
			c.logger.Warn("sandbox job queue full, rejecting charge",
				"transaction_id", req.TransactionID,
				"queue_capacity", cap(c.jobQueue))
			return provider.TransportError(fmt.Errorf("sandbox: settlement queue full"))
		}
	}
	c.mu.Unlock()

	raw, _ := json.Marshal(chargeResponse{
		ID:            ptx,
		Status:        string(kind),
		TransactionID: req.TransactionID,
		Amount:        req.Amount.String(),
		Currency:      req.Currency,
	})

	switch kind {
	case provider.OutcomeSucceeded:
		return provider.Succeeded(ptx, raw)
	case provider.OutcomeDeclined:
		return provider.Declined(ptx, "card_declined", "sandbox decline", raw)
	default:
		return provider.Pending(ptx, raw)
	}
}

func (c *Client) settle(job settleJob) {
	select {
	case <-time.After(c.settleDelay):
	case <-c.ctx.Done():
		c.logger.Info("sandbox settlement cancelled", "provider_transaction_id", job.ProviderTransactionID)
		return
	}

	n := notification{
		EventID:               uuid.NewString(),
		ProviderTransactionID: job.ProviderTransactionID,
		TransactionID:         job.TransactionID,
		OrderID:               job.OrderID,
	}
	kind := provider.OutcomeSucceeded
	n.Type = string(provider.EventPaymentSucceeded)
	if job.Decline {
		kind = provider.OutcomeDeclined
		n.Type = string(provider.EventPaymentFailed)
		n.FailureReason = "card_declined"
	}

	c.mu.Lock()
	c.accepted[job.ProviderTransactionID] = kind
	c.mu.Unlock()

	c.logger.Info("sandbox payment settled",
		"provider_transaction_id", job.ProviderTransactionID,
		"transaction_id", job.TransactionID,
		"result", kind)

	c.deliver(n)
}

func (c *Client) deliver(n notification) {
	if c.webhookURL == "" {
		c.logger.Debug("sandbox webhook url not set, skipping delivery", "event_id", n.EventID)
		return
	}

	body, err := json.Marshal(n)
	if err != nil {
		c.logger.Error("sandbox: failed to marshal webhook", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
	defer cancel()

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader(SignatureHeader, Sign(body, c.webhookSecret)).
		SetBody(body).
		Post(c.webhookURL)
	if err != nil {
		c.logger.Error("sandbox webhook delivery failed", "error", err, "event_id", n.EventID)
		return
	}

	if resp.IsSuccess() {
		c.logger.Info("sandbox webhook delivered", "event_id", n.EventID, "status_code", resp.StatusCode())
	} else {
		c.logger.Warn("sandbox webhook rejected", "event_id", n.EventID, "status_code", resp.StatusCode())
	}
}
