// Package crdtpubsub carries encoded patches and other document messages
// between replicas. Delivery is at-least-once with no ordering guarantee.
package crdtpubsub

import (
	"context"

	"go.uber.org/zap"

	"collabtext/luvtext/crdtpatch"
)

// EncodingFormat represents the format used to encode CRDT patches.
type EncodingFormat string

const (
	// EncodingFormatJSON represents JSON encoding.
	EncodingFormatJSON EncodingFormat = "json"
	// EncodingFormatText represents text encoding.
	EncodingFormatText EncodingFormat = "text"
	// EncodingFormatBase64 represents base64 encoding.
	EncodingFormatBase64 EncodingFormat = "base64"
)

// PatchMessage is the frame put on the wire by every transport.
type PatchMessage struct {
	// Topic is the topic the message was published to.
	Topic string `json:"topic"`
	// Payload is the encoded data.
	Payload []byte `json:"payload"`
	// Format is the encoding format used for the payload.
	Format EncodingFormat `json:"format"`
	// Metadata is optional metadata associated with the message.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// SubscriberFunc handles a received message.
type SubscriberFunc func(ctx context.Context, topic string, data []byte, format EncodingFormat) error

// Publisher defines the interface for publishing CRDT patches.
type Publisher interface {
	// Publish encodes a patch and publishes it to the specified topic.
	Publish(ctx context.Context, topic string, patch *crdtpatch.Patch, format EncodingFormat) error
	// PublishRaw publishes raw data to the specified topic.
	PublishRaw(ctx context.Context, topic string, data []byte, format EncodingFormat) error
	// Close closes the publisher.
	Close() error
}

// Subscriber defines the interface for subscribing to CRDT patches.
type Subscriber interface {
	// Subscribe calls handler for each message received on topic.
	Subscribe(ctx context.Context, topic string, subscriberID string, handler SubscriberFunc) error
	// Unsubscribe removes the subscription of subscriberID.
	Unsubscribe(ctx context.Context, topic string, subscriberID string) error
	// Close closes the subscriber.
	Close() error
}

// PubSub combines the Publisher and Subscriber interfaces.
type PubSub interface {
	Publisher
	Subscriber
}

// Options represents configuration options for a PubSub implementation.
type Options struct {
	// DefaultFormat is the default encoding format to use.
	DefaultFormat EncodingFormat
	// BufferSize is the per-subscription delivery buffer.
	BufferSize int
	// Logger receives handler and decode failures.
	Logger *zap.Logger
}

// NewOptions creates a new Options with default values.
func NewOptions() *Options {
	return &Options{
		DefaultFormat: EncodingFormatJSON,
		BufferSize:    256,
	}
}

func (o *Options) format(f EncodingFormat) EncodingFormat {
	if f == "" {
		return o.DefaultFormat
	}
	return f
}

func encodePatch(patch *crdtpatch.Patch, format EncodingFormat) ([]byte, error) {
	encoder, err := GetEncoderDecoder(format)
	if err != nil {
		return nil, err
	}
	return encoder.Encode(patch)
}
