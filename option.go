package stream

import (
	"time"
)

// ErrorAction defines the action to take when an error occurs.
type ErrorAction int

const (
	// Disconnect closes the connection when an error occurs.
	Disconnect ErrorAction = iota
	// Continue suppresses the error and continues processing.
	Continue
)

// options holds the configuration for a connection.
type options struct {
	codec  Codec
	logger Logger

	onMessage func(message Message) error
	// onError is called for transport and decode errors.
	// Framing errors are never offered here: a misaligned stream always disconnects.
	onError func(error) ErrorAction

	bufferSize       int           // size of buffered send channel
	readBufferSize   int           // bytes requested per read from the socket
	maxPayloadLength int           // largest payload accepted or sent
	idleTimeout      time.Duration // read/write deadlines are twice this
}

// Option is a function that configures connection options.
type Option func(*options)

// CustomCodecOption returns an Option that sets the payload codec.
// Without it payloads are delivered as Payload messages by RawCodec.
func CustomCodecOption(codec Codec) Option {
	return func(o *options) {
		o.codec = codec
	}
}

// BufferSizeOption returns an Option that sets the size of the send channel buffer.
// A larger buffer allows more messages to be queued before blocking.
func BufferSizeOption(size int) Option {
	return func(o *options) {
		o.bufferSize = size
	}
}

// ReadBufferSizeOption returns an Option that sets how many bytes are requested
// from the socket per read. Frames are reassembled regardless of this size.
func ReadBufferSizeOption(size int) Option {
	return func(o *options) {
		o.readBufferSize = size
	}
}

// HeartbeatOption returns an Option that sets the idle timeout.
// Read and write deadlines are set to heartbeat * 2.
func HeartbeatOption(heartbeat time.Duration) Option {
	return func(o *options) {
		o.idleTimeout = heartbeat
	}
}

// MessageMaxSize returns an Option that limits payload size in both directions.
// An incoming frame declaring more is treated as stream corruption and
// disconnects before its payload is buffered; outgoing messages over the limit
// fail with ErrPayloadTooLarge. Values outside (0, MaxPayloadLen] select MaxPayloadLen.
func MessageMaxSize(size int) Option {
	return func(o *options) {
		o.maxPayloadLength = size
	}
}

// OnErrorOption returns an Option that sets the error callback.
// The callback is invoked when a read, write or decode error occurs.
// Return Disconnect to close the connection, or Continue to suppress the error.
func OnErrorOption(cb func(error) ErrorAction) Option {
	return func(o *options) {
		o.onError = cb
	}
}

// OnMessageOption returns an Option that sets the message handler callback.
// This callback is required and is invoked for each reassembled message,
// in the order the frames completed.
func OnMessageOption(cb func(Message) error) Option {
	return func(o *options) {
		o.onMessage = cb
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}
