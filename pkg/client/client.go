// Package client stores and retrieves n-dimensional arrays on a RESP
// key-value server.
//
// A Client owns one lazily dialed connection to one server. Put encodes an
// array with the configured codec and sends it under a key with the store
// command; Get sends the fetch command and decodes the reply into a fresh
// array. Calls are serialized: each request is written and its reply read
// completely before the next request starts.
//
// A Cluster spreads keys over several servers with a consistent hash ring,
// holding one Client per server.
//
// Example usage:
//
//	c, err := client.New("localhost:6379")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer c.Close()
//
//	a, _ := array.FromSlice([]int{2, 3}, []float32{1, 2, 3, 4, 5, 6})
//	if ok, err := c.Put(ctx, "weights", a); err != nil || !ok {
//		log.Fatalf("store failed: %v", err)
//	}
//
//	back, err := c.Get(ctx, "weights")
//	if err != nil {
//		log.Fatal(err)
//	}
//	if back == nil {
//		// key absent
//	}
//
// Error handling:
//   - ErrInvalidArgument: bad key or array; nothing was sent
//   - ErrConnection (*ConnectionError): transport failure; the connection
//     was dropped and the next call dials again
//   - ErrTimeout (*TimeoutError): a deadline expired; the connection was
//     dropped
//   - protocol.ErrProtocol: the server sent a malformed frame
//   - codec.ErrFormat, codec.ErrLayoutMismatch: the payload did not decode
//   - *ServerError: the server answered with an error reply
//
// Nothing is retried. Retry policy belongs to the caller.
package client

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cachemir/arraystore/internal/logging"
	"github.com/cachemir/arraystore/pkg/array"
	"github.com/cachemir/arraystore/pkg/codec"
	"github.com/cachemir/arraystore/pkg/config"
	"github.com/cachemir/arraystore/pkg/protocol"
)

// DialFunc opens a connection. It has the signature of
// (*net.Dialer).DialContext.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Option customizes a Client.
type Option func(*Client)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = logging.OrNop(l) }
}

// WithDialer replaces the TCP dialer, e.g. with one that returns one end
// of a net.Pipe.
func WithDialer(d DialFunc) Option {
	return func(c *Client) {
		if d != nil {
			c.dial = d
		}
	}
}

// WithCodec overrides the codec named in the configuration.
func WithCodec(cd codec.Codec) Option {
	return func(c *Client) {
		if cd != nil {
			c.codec = cd
		}
	}
}

// Client is a single-connection array store client. It is safe for
// concurrent use; concurrent calls are serialized.
type Client struct {
	cfg    *config.ClientConfig
	addr   string
	codec  codec.Codec
	dial   DialFunc
	logger *zap.Logger
	limits protocol.Limits

	mu     sync.Mutex // serializes request/reply pairs and guards conn and reader
	conn   net.Conn
	reader *bufio.Reader

	// state is never held across I/O, so Close can reach a call in flight.
	state  sync.Mutex
	live   net.Conn // mirrors conn
	closed bool
}

// New creates a client for the server at address with default settings.
// No connection is made until the first call.
//
// Example:
//
//	c, err := client.New("localhost:6379", client.WithLogger(logger))
func New(address string, opts ...Option) (*Client, error) {
	cfg := config.DefaultClientConfig()
	cfg.Address = address
	return NewWithConfig(cfg, opts...)
}

// NewWithConfig creates a client from cfg, which must pass Validate. The
// codec is chosen by cfg.Codec unless WithCodec is given.
//
// Example:
//
//	cfg := config.DefaultClientConfig()
//	cfg.Address = "10.0.0.5:6379"
//	cfg.Codec = "compact"
//	cfg.ReadTimeout = 2 * time.Second
//	c, err := client.NewWithConfig(cfg)
func NewWithConfig(cfg *config.ClientConfig, opts ...Option) (*Client, error) {
	if cfg == nil {
		cfg = config.DefaultClientConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cd, err := codec.ByName(cfg.Codec)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:    cfg,
		addr:   cfg.Address,
		codec:  cd,
		logger: zap.NewNop(),
		limits: protocol.Limits{
			MaxBulkBytes:  cfg.MaxPayloadBytes,
			MaxArrayItems: protocol.DefaultLimits().MaxArrayItems,
		},
	}
	c.dial = (&net.Dialer{Timeout: cfg.DialTimeout}).DialContext
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.String("addr", c.addr))
	return c, nil
}

// Address returns the server address the client talks to.
func (c *Client) Address() string {
	return c.addr
}

// Codec returns the codec Put encodes with.
func (c *Client) Codec() codec.Codec {
	return c.codec
}

// Put encodes a and stores it under key. It reports true iff the server
// answered +OK; any other status reports false with a nil error.
//
// An empty key, a nil array or an array whose buffer disagrees with its
// shape fails with ErrInvalidArgument before anything is sent. An element
// type the codec cannot carry fails with codec.ErrUnsupportedDType.
//
// Example:
//
//	a, _ := array.FromSlice([]int{3}, []int64{1, 2, 3})
//	ok, err := c.Put(ctx, "ids", a)
func (c *Client) Put(ctx context.Context, key string, a *array.Array) (bool, error) {
	if key == "" {
		return false, invalidArgument("empty key")
	}
	if a == nil {
		return false, invalidArgument("nil array")
	}
	if err := a.Validate(); err != nil {
		return false, invalidArgument("%v", err)
	}
	payload, err := c.codec.Encode(a)
	if err != nil {
		return false, err
	}
	if int64(len(payload)) > c.cfg.MaxPayloadBytes {
		return false, invalidArgument("payload of %d bytes exceeds limit %d", len(payload), c.cfg.MaxPayloadBytes)
	}

	reply, err := c.do(ctx, c.cfg.StoreCommand, key, payload)
	if err != nil {
		return false, err
	}
	switch reply.Type {
	case protocol.ReplyStatus:
		return reply.IsOK(), nil
	case protocol.ReplyError:
		return false, &ServerError{Message: reply.Str}
	}
	return false, &protocol.ProtocolError{Reason: "unexpected " + reply.Type.String() + " reply to " + c.cfg.StoreCommand}
}

// Get fetches and decodes the array stored under key. An absent key
// returns (nil, nil).
//
// With the npy codec a payload that is not NPY fails with codec.ErrFormat.
// With the compact codec NPY payloads are recognized by their magic and
// decoded as NPY; everything else is read as compact.
//
// Example:
//
//	a, err := c.Get(ctx, "weights")
//	switch {
//	case err != nil:
//		return err
//	case a == nil:
//		// not stored
//	}
func (c *Client) Get(ctx context.Context, key string) (*array.Array, error) {
	if key == "" {
		return nil, invalidArgument("empty key")
	}
	reply, err := c.do(ctx, c.cfg.FetchCommand, key)
	if err != nil {
		return nil, err
	}
	switch reply.Type {
	case protocol.ReplyNull:
		return nil, nil
	case protocol.ReplyBulk:
		return c.decode(reply.Bulk)
	case protocol.ReplyError:
		return nil, &ServerError{Message: reply.Str}
	}
	return nil, &protocol.ProtocolError{Reason: "unexpected " + reply.Type.String() + " reply to " + c.cfg.FetchCommand}
}

func (c *Client) decode(payload []byte) (*array.Array, error) {
	if c.codec.Name() == codec.NPYName {
		return c.codec.Decode(payload)
	}
	return codec.Detect(payload, c.codec).Decode(payload)
}

// Delete removes key. It reports whether the key existed.
func (c *Client) Delete(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, invalidArgument("empty key")
	}
	n, err := c.integer(ctx, "DEL", key)
	return n > 0, err
}

// Exists reports whether key holds a value.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, invalidArgument("empty key")
	}
	n, err := c.integer(ctx, "EXISTS", key)
	return n > 0, err
}

func (c *Client) integer(ctx context.Context, command, key string) (int64, error) {
	reply, err := c.do(ctx, command, key)
	if err != nil {
		return 0, err
	}
	switch reply.Type {
	case protocol.ReplyInteger:
		return reply.Int, nil
	case protocol.ReplyError:
		return 0, &ServerError{Message: reply.Str}
	}
	return 0, &protocol.ProtocolError{Reason: "unexpected " + reply.Type.String() + " reply to " + command}
}

// Ping checks that the server answers. It dials if needed.
func (c *Client) Ping(ctx context.Context) error {
	reply, err := c.do(ctx, "PING")
	if err != nil {
		return err
	}
	switch reply.Type {
	case protocol.ReplyStatus, protocol.ReplyBulk:
		return nil
	case protocol.ReplyError:
		return &ServerError{Message: reply.Str}
	}
	return &protocol.ProtocolError{Reason: "unexpected " + reply.Type.String() + " reply to PING"}
}

// Close releases the connection. A call in flight is interrupted and fails
// with ErrClosed, as do calls made afterwards. It is safe to call more than
// once and on a client that never connected.
func (c *Client) Close() error {
	c.state.Lock()
	if c.closed {
		c.state.Unlock()
		return nil
	}
	c.closed = true
	if c.live != nil {
		_ = c.live.SetDeadline(time.Now())
	}
	c.state.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropLocked()
}

func (c *Client) isClosed() bool {
	c.state.Lock()
	defer c.state.Unlock()
	return c.closed
}

// arm sets a deadline on conn unless the client was closed or ctx is done.
// Close and context cancellation expire the deadline under the same lock,
// so an armed deadline never outlives either.
func (c *Client) arm(ctx context.Context, set func(time.Time) error, timeout time.Duration) error {
	c.state.Lock()
	defer c.state.Unlock()
	if c.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return set(c.deadline(ctx, timeout))
}

// do runs one request/reply exchange under the mutex.
func (c *Client) do(ctx context.Context, command string, args ...any) (protocol.Reply, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isClosed() {
		return protocol.Reply{}, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return protocol.Reply{}, c.contextError("send", err)
	}
	conn, err := c.connectLocked(ctx)
	if err != nil {
		return protocol.Reply{}, err
	}

	// Cancelling ctx unblocks the in-flight read or write.
	stop := context.AfterFunc(ctx, func() {
		c.state.Lock()
		defer c.state.Unlock()
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	frame := protocol.EncodeRequest(command, args...)
	if err := c.arm(ctx, conn.SetWriteDeadline, c.cfg.WriteTimeout); err != nil {
		return protocol.Reply{}, c.failLocked(ctx, "write", err)
	}
	if _, err := conn.Write(frame); err != nil {
		return protocol.Reply{}, c.failLocked(ctx, "write", err)
	}

	if err := c.arm(ctx, conn.SetReadDeadline, c.cfg.ReadTimeout); err != nil {
		return protocol.Reply{}, c.failLocked(ctx, "read", err)
	}
	reply, err := protocol.ReadReply(c.reader, c.limits)
	if err != nil {
		return protocol.Reply{}, c.failLocked(ctx, "read", err)
	}
	return reply, nil
}

func (c *Client) connectLocked(ctx context.Context) (net.Conn, error) {
	if c.conn != nil {
		return c.conn, nil
	}
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	conn, err := c.dial(dialCtx, "tcp", c.addr)
	if err != nil {
		c.logger.Warn("dial failed", zap.Error(err))
		if ctx.Err() != nil {
			return nil, c.contextError("dial", ctx.Err())
		}
		if isTimeout(err) || errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
			return nil, &TimeoutError{Op: "dial", Addr: c.addr, Err: err}
		}
		return nil, &ConnectionError{Op: "dial", Addr: c.addr, Err: err}
	}
	c.state.Lock()
	if c.closed {
		c.state.Unlock()
		_ = conn.Close()
		return nil, ErrClosed
	}
	c.live = conn
	c.state.Unlock()

	c.logger.Debug("connected")
	c.conn = conn
	c.reader = bufio.NewReaderSize(conn, 64*1024)
	return conn, nil
}

// failLocked drops the connection after a failed exchange and classifies
// the error. A partial exchange leaves the stream out of step, so the
// connection is never reused.
func (c *Client) failLocked(ctx context.Context, op string, err error) error {
	if dropErr := c.dropLocked(); dropErr != nil {
		c.logger.Debug("close after failure", zap.Error(dropErr))
	}
	if c.isClosed() {
		c.logger.Debug("request interrupted by close", zap.String("op", op))
		return ErrClosed
	}
	c.logger.Warn("request failed", zap.String("op", op), zap.Error(err))

	if ctxErr := ctx.Err(); ctxErr != nil {
		return c.contextError(op, ctxErr)
	}
	switch {
	case isTimeout(err):
		return &TimeoutError{Op: op, Addr: c.addr, Err: err}
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return &ConnectionError{Op: op, Addr: c.addr, Err: err}
	case errors.Is(err, protocol.ErrProtocol):
		return err
	}
	return &ConnectionError{Op: op, Addr: c.addr, Err: err}
}

func (c *Client) contextError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Op: op, Addr: c.addr, Err: err}
	}
	return &ConnectionError{Op: op, Addr: c.addr, Err: err}
}

func (c *Client) dropLocked() error {
	if c.conn == nil {
		return nil
	}
	c.state.Lock()
	c.live = nil
	c.state.Unlock()

	err := c.conn.Close()
	c.conn = nil
	c.reader = nil
	c.logger.Debug("connection closed")
	return err
}

// deadline is the earlier of now+timeout and the context deadline.
func (c *Client) deadline(ctx context.Context, timeout time.Duration) time.Time {
	d := time.Now().Add(timeout)
	if cd, ok := ctx.Deadline(); ok && cd.Before(d) {
		return cd
	}
	return d
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
