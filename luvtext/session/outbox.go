package session

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"collabtext/luvtext/common"
	"collabtext/luvtext/crdtsync"
)

type outboxItem struct {
	msg    *crdtsync.Message
	onSent func()
}

// outbox delivers messages in order on its own goroutine, retrying each
// with exponential backoff before dropping it.
type outbox struct {
	bc       crdtsync.Broadcaster
	retry    RetryOptions
	logger   *zap.Logger
	onFailed func(*crdtsync.Message, error)

	mu     sync.Mutex
	queue  chan outboxItem
	closed bool
	sent   int
	failed int

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newOutbox(bc crdtsync.Broadcaster, size int, retry RetryOptions, logger *zap.Logger, onFailed func(*crdtsync.Message, error)) *outbox {
	ctx, cancel := context.WithCancel(context.Background())
	return &outbox{
		bc:       bc,
		retry:    retry,
		logger:   logger,
		onFailed: onFailed,
		queue:    make(chan outboxItem, size),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

func (o *outbox) start() {
	go o.run()
}

// enqueue never blocks. A full or closed outbox returns a transport failure.
func (o *outbox) enqueue(msg *crdtsync.Message, onSent func()) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return common.ErrTransportFailure{Cause: ErrClosed}
	}
	select {
	case o.queue <- outboxItem{msg: msg, onSent: onSent}:
		return nil
	default:
		return common.ErrTransportFailure{Cause: ErrOutboxFull}
	}
}

func (o *outbox) run() {
	defer close(o.done)
	for item := range o.queue {
		o.deliver(item)
	}
}

func (o *outbox) deliver(item outboxItem) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = o.retry.InitialInterval
	policy.MaxInterval = o.retry.MaxInterval
	policy.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(policy, o.retry.MaxRetries), o.ctx)

	send := func() error {
		return o.bc.Broadcast(o.ctx, item.msg)
	}
	notify := func(err error, wait time.Duration) {
		o.logger.Debug("retrying broadcast",
			zap.String("type", string(item.msg.Type)),
			zap.Duration("wait", wait),
			zap.Error(err))
	}

	if err := backoff.RetryNotify(send, b, notify); err != nil {
		o.mu.Lock()
		o.failed++
		o.mu.Unlock()
		o.logger.Warn("dropping message after retries",
			zap.String("type", string(item.msg.Type)),
			zap.Error(err))
		if o.onFailed != nil {
			o.onFailed(item.msg, common.ErrTransportFailure{Cause: err})
		}
		return
	}

	o.mu.Lock()
	o.sent++
	o.mu.Unlock()
	if item.onSent != nil {
		item.onSent()
	}
}

// close stops accepting messages and waits until the queue is drained or
// ctx is done, in which case pending deliveries are abandoned.
func (o *outbox) close(ctx context.Context) error {
	o.mu.Lock()
	if !o.closed {
		o.closed = true
		close(o.queue)
	}
	o.mu.Unlock()

	select {
	case <-o.done:
		o.cancel()
		return nil
	case <-ctx.Done():
		o.cancel()
		<-o.done
		return ctx.Err()
	}
}

func (o *outbox) counts() (sent, failed int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sent, o.failed
}
