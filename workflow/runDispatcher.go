package workflow

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/mmdatafocus/recon_backend/utils"
	"github.com/sirupsen/logrus"
)

// RunJob is one unit of background work. It receives the context it was submitted with.
type RunJob struct {
	RunId string
	Ctx   context.Context
	Fn    func(ctx context.Context)
}

// RunDispatcher is a bounded worker pool for async runs.
type RunDispatcher struct {
	Logger       *logrus.Logger
	DispatcherID string
	Workers      int

	queue   chan RunJob
	wg      sync.WaitGroup
	running sync.WaitGroup
}

func NewRunDispatcher(logger *logrus.Logger, workers, queueSize int) *RunDispatcher {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	return &RunDispatcher{
		Logger:       logger,
		DispatcherID: uuid.NewString(),
		Workers:      workers,
		queue:        make(chan RunJob, queueSize),
	}
}

// Submit enqueues job without blocking. It returns utils.ErrorQueueFull when the queue is at capacity.
func (d *RunDispatcher) Submit(job RunJob) error {
	if job.Ctx == nil {
		job.Ctx = context.Background()
	}
	d.running.Add(1)
	select {
	case d.queue <- job:
		return nil
	default:
		d.running.Done()
		return utils.ErrorQueueFull
	}
}

// Run starts the workers and blocks until ctx is done and every worker has returned.
// Jobs already picked up run to completion; queued jobs stay queued.
func (d *RunDispatcher) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for i := 0; i < d.Workers; i++ {
		d.wg.Add(1)
		go d.work(ctx, i)
	}
	d.wg.Wait()
}

func (d *RunDispatcher) work(ctx context.Context, n int) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		select {
		case <-ctx.Done():
			return
		case job := <-d.queue:
			d.runJob(job, n)
		}
	}
}

func (d *RunDispatcher) runJob(job RunJob, n int) {
	defer d.running.Done()
	defer func() {
		if r := recover(); r != nil && d.Logger != nil {
			d.Logger.WithFields(logrus.Fields{
				"field":         "RunDispatcher",
				"dispatcher_id": d.DispatcherID,
				"worker":        n,
				"run_id":        job.RunId,
				"panic":         r,
			}).Error("run job panicked")
		}
	}()
	if d.Logger != nil {
		d.Logger.WithFields(logrus.Fields{
			"field":         "RunDispatcher",
			"dispatcher_id": d.DispatcherID,
			"worker":        n,
			"run_id":        job.RunId,
		}).Debug("run job started")
	}
	job.Fn(job.Ctx)
}

// Wait blocks until every submitted job has finished.
func (d *RunDispatcher) Wait() {
	d.running.Wait()
}
