package upload

import (
	"context"
	"sync"

	"github.com/hibiken/asynq"
	"github.com/pkg/errors"

	"github.com/wapuda/dmrelay/internal/jobs"
	"github.com/wapuda/dmrelay/internal/logx"
)

// Runner executes one upload job; *Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, job jobs.UploadVideo) Outcome
}

// LocalDispatcher runs every job in its own goroutine inside the bot process.
type LocalDispatcher struct {
	runner Runner
	base   context.Context
	wg     sync.WaitGroup
}

// NewLocalDispatcher runs jobs under base rather than the per-message
// context, so uploads outlive the update that started them.
func NewLocalDispatcher(base context.Context, runner Runner) *LocalDispatcher {
	return &LocalDispatcher{runner: runner, base: base}
}

func (d *LocalDispatcher) Dispatch(ctx context.Context, job jobs.UploadVideo) error {
	if err := d.base.Err(); err != nil {
		return errors.Wrap(err, "bot is shutting down")
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.runner.Run(d.base, job)
	}()
	return nil
}

// Wait blocks until every dispatched job returned or ctx ends.
func (d *LocalDispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueuer is the part of *asynq.Client used to queue uploads.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// QueueDispatcher hands jobs to worker processes through asynq.
type QueueDispatcher struct {
	client Enqueuer
}

func NewQueueDispatcher(client Enqueuer) *QueueDispatcher {
	return &QueueDispatcher{client: client}
}

// Dispatch enqueues job once. Retries happen inside the worker's
// orchestrator, so the task itself is never retried by asynq.
func (d *QueueDispatcher) Dispatch(ctx context.Context, job jobs.UploadVideo) error {
	b, err := job.Marshal()
	if err != nil {
		return errors.Wrap(err, "encoding upload job")
	}
	info, err := d.client.EnqueueContext(ctx, asynq.NewTask(jobs.TaskUploadVideo, b),
		asynq.Queue(jobs.QueueUploads),
		asynq.MaxRetry(0),
		asynq.TaskID(job.JobID),
	)
	if err != nil {
		return errors.Wrapf(err, "enqueueing job %s", job.JobID)
	}
	logx.FromCtx(ctx).Debug().Str("task_id", info.ID).Str("queue", info.Queue).Msg("upload enqueued")
	return nil
}

// NewTaskHandler adapts runner for an asynq.ServeMux. Upload failures are
// reported to the user by the runner and do not fail the task; only an
// undecodable payload does, and it is not retried.
func NewTaskHandler(runner Runner) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		job, err := jobs.UnmarshalUploadVideo(t.Payload())
		if err != nil {
			return errors.Wrap(asynq.SkipRetry, "decoding upload job: "+err.Error())
		}
		out := runner.Run(ctx, job)
		if out.Err != nil {
			logx.FromCtx(ctx).Debug().Str("job", job.JobID).Msg("upload task ended with a reported failure")
		}
		return nil
	}
}
