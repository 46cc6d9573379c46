package sandbox

import (
	"context"
	"log/slog"
	"sync"
)

type settleJob struct {
	ProviderTransactionID string
	TransactionID         string
	OrderID               string
	Decline               bool
}

type Worker struct {
	ID         int
	WorkerPool chan chan settleJob
	JobChannel chan settleJob
	Logger     *slog.Logger
}

func NewWorker(id int, workerPool chan chan settleJob, logger *slog.Logger) *Worker {
	return &Worker{
		ID:         id,
		WorkerPool: workerPool,
		JobChannel: make(chan settleJob),
		Logger:     logger,
	}
}

func (w *Worker) Start(ctx context.Context, wg *sync.WaitGroup, process func(settleJob)) {
	wg.Add(1)
	go func() {
		defer wg.Done()

		for {
			select {
			case w.WorkerPool <- w.JobChannel:
			case <-ctx.Done():
				w.Logger.Debug("sandbox worker shutting down", "worker_id", w.ID)
				return
			}

			select {
			case job := <-w.JobChannel:
				w.Logger.Debug("sandbox worker settling payment", "worker_id", w.ID, "provider_transaction_id", job.ProviderTransactionID)
				process(job)
			case <-ctx.Done():
				w.Logger.Debug("sandbox worker shutting down", "worker_id", w.ID)
				return
			}
		}
	}()
}
