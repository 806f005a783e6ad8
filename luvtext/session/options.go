package session

import (
	"time"

	"go.uber.org/zap"

	"collabtext/luvtext/crdtsync"
	"collabtext/luvtext/presence"
)

// RetryOptions bounds the redelivery of outbound messages.
type RetryOptions struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxRetries      uint64
}

// Options configures a Session.
type Options struct {
	// DocumentID names the document for logs and snapshots.
	DocumentID  string
	DisplayName string
	Role        string

	Reconciler crdtsync.ReconcilerOptions
	Presence   presence.Options
	Retry      RetryOptions

	// InboxSize and OutboxSize bound the message queues.
	InboxSize  int
	OutboxSize int

	// ExpireInterval is the period at which buffered operations past
	// their horizon are dropped.
	ExpireInterval time.Duration

	// HistoryLimit bounds the undo history.
	HistoryLimit int

	// Discovery, when set, registers the session while it runs.
	Discovery crdtsync.PeerDiscovery

	// OnDeliveryFailure is called when a message is dropped after the
	// last retry.
	OnDeliveryFailure func(msg *crdtsync.Message, err error)

	Logger *zap.Logger
}

// DefaultOptions returns the default session options.
func DefaultOptions() Options {
	return Options{
		Reconciler: crdtsync.DefaultReconcilerOptions(),
		Presence:   presence.DefaultOptions(),
		Retry: RetryOptions{
			InitialInterval: 100 * time.Millisecond,
			MaxInterval:     5 * time.Second,
			MaxRetries:      5,
		},
		InboxSize:      1024,
		OutboxSize:     1024,
		ExpireInterval: 30 * time.Second,
		HistoryLimit:   1000,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Retry.InitialInterval <= 0 {
		o.Retry.InitialInterval = d.Retry.InitialInterval
	}
	if o.Retry.MaxInterval <= 0 {
		o.Retry.MaxInterval = d.Retry.MaxInterval
	}
	if o.Retry.MaxRetries == 0 {
		o.Retry.MaxRetries = d.Retry.MaxRetries
	}
	if o.InboxSize <= 0 {
		o.InboxSize = d.InboxSize
	}
	if o.OutboxSize <= 0 {
		o.OutboxSize = d.OutboxSize
	}
	if o.ExpireInterval <= 0 {
		o.ExpireInterval = d.ExpireInterval
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = d.HistoryLimit
	}
	return o
}
