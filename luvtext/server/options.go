package server

import (
	"time"

	"go.uber.org/zap"

	"collabtext/luvtext/crdtstorage"
	"collabtext/luvtext/crdtsync"
	"collabtext/luvtext/session"
)

// Options configures a Hub.
type Options struct {
	// Broadcasters opens the per-document channel. Required.
	Broadcasters crdtsync.BroadcasterFactory

	// Storage, when set, loads documents on first use and keeps them saved.
	Storage *crdtstorage.Storage

	// Discovery, when set, registers every server replica.
	Discovery crdtsync.PeerDiscovery

	// Session is the template for server replicas.
	Session session.Options

	// WriteTimeout bounds a single frame write to a client.
	WriteTimeout time.Duration
	// PingInterval is the keepalive period; clients silent for twice this
	// long are dropped.
	PingInterval time.Duration
	// SendBuffer is the per-client queue of outgoing frames.
	SendBuffer int
	// MaxMessageSize bounds inbound frames.
	MaxMessageSize int64

	Logger *zap.Logger
}

// DefaultOptions returns the default hub options.
func DefaultOptions() Options {
	opts := session.DefaultOptions()
	opts.DisplayName = "server"
	opts.Role = "replica"
	return Options{
		Session:        opts,
		WriteTimeout:   10 * time.Second,
		PingInterval:   30 * time.Second,
		SendBuffer:     256,
		MaxMessageSize: 1 << 20,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = d.WriteTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = d.PingInterval
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = d.SendBuffer
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = d.MaxMessageSize
	}
	if o.Session.DisplayName == "" {
		o.Session.DisplayName = d.Session.DisplayName
	}
	return o
}
