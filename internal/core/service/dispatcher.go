package service

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

var ErrDispatcherClosed = errors.New("dispatcher closed")

type Dispatched struct {
	Result OrderResult
	Err    error
}

type dispatchJob struct {
	ctx    context.Context
	req    OrderRequest
	result chan Dispatched
}

// Dispatcher queues order requests and runs one workflow instance per
// request on a fixed pool of workers.
type Dispatcher struct {
	orderService *OrderService
	queue        chan dispatchJob
	logger       zerolog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(orderService *OrderService, queueSize int, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		orderService: orderService,
		queue:        make(chan dispatchJob, queueSize),
		logger:       logger,
	}
}

func (d *Dispatcher) Start(workers int) {
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go func(id int) {
			defer d.wg.Done()
			d.workerLoop(id)
		}(i)
	}
	d.logger.Info().Int("workers", workers).Msg("dispatcher started")
}

// Submit enqueues req. The returned channel receives exactly one value.
func (d *Dispatcher) Submit(ctx context.Context, req OrderRequest) (<-chan Dispatched, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, ErrDispatcherClosed
	}

	job := dispatchJob{ctx: ctx, req: req, result: make(chan Dispatched, 1)}
	select {
	case d.queue <- job:
		return job.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops accepting requests and waits for queued ones to finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) workerLoop(id int) {
	for job := range d.queue {
		res, err := d.orderService.SubmitOrder(job.ctx, job.req)
		if err != nil {
			d.logger.Warn().Err(err).Int("worker", id).Msg("order not processed")
		}
		job.result <- Dispatched{Result: res, Err: err}
	}
}
