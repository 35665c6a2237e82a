package conversation

import (
	"context"
	"sync"

	"github.com/wapuda/dmrelay/internal/logx"
)

// Handler consumes one message. *Machine is the production handler.
type Handler interface {
	Handle(ctx context.Context, msg Message) error
}

// Router runs each user's messages in arrival order on a goroutine of
// their own, so a slow round trip for one user never holds up another.
// A user's goroutine exits once their queue is empty.
type Router struct {
	handler Handler

	mu     sync.Mutex
	queues map[int64][]Message
	wg     sync.WaitGroup
}

func NewRouter(h Handler) *Router {
	return &Router{handler: h, queues: make(map[int64][]Message)}
}

// Route queues msg for its user and returns immediately.
func (r *Router) Route(ctx context.Context, msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	q, running := r.queues[msg.UserID]
	r.queues[msg.UserID] = append(q, msg)
	if running {
		return
	}
	r.wg.Add(1)
	go r.drain(ctx, msg.UserID)
}

func (r *Router) drain(ctx context.Context, userID int64) {
	defer r.wg.Done()
	for {
		r.mu.Lock()
		q := r.queues[userID]
		if len(q) == 0 || ctx.Err() != nil {
			if len(q) > 0 {
				logx.FromCtx(logx.WithUser(ctx, userID)).Warn().Int("dropped", len(q)).Msg("shutting down, queued messages dropped")
			}
			delete(r.queues, userID)
			r.mu.Unlock()
			return
		}
		msg := q[0]
		r.queues[userID] = q[1:]
		r.mu.Unlock()

		if err := r.handler.Handle(ctx, msg); err != nil {
			logx.FromCtx(logx.WithUser(ctx, userID)).Error().Err(err).Msg("message handling failed")
		}
	}
}

// Pending is the number of users with queued or running messages.
func (r *Router) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queues)
}

// Wait blocks until every user goroutine has exited or ctx ends.
func (r *Router) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
