package client

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cachemir/arraystore/internal/server"
	"github.com/cachemir/arraystore/pkg/array"
	"github.com/cachemir/arraystore/pkg/codec"
	"github.com/cachemir/arraystore/pkg/config"
	"github.com/cachemir/arraystore/pkg/protocol"
	"github.com/cachemir/arraystore/pkg/store"
)

func startServer(t *testing.T, mutate ...func(*config.ServerConfig)) string {
	t.Helper()
	cfg := config.DefaultServerConfig()
	for _, m := range mutate {
		m(cfg)
	}
	srv, err := server.New(cfg, store.NewMemory(), zaptest.NewLogger(t))
	require.NoError(t, err)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(l) }()
	t.Cleanup(func() { _ = srv.Stop() })
	return l.Addr().String()
}

func newClient(t *testing.T, addr string, mutate func(*config.ClientConfig), opts ...Option) *Client {
	t.Helper()
	cfg := config.DefaultClientConfig()
	cfg.Address = addr
	if mutate != nil {
		mutate(cfg)
	}
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	c, err := NewWithConfig(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// pipeDialer hands out one end of a net.Pipe per dial. The other end reads
// requests and passes them to handle; handle returns false to hang up.
func pipeDialer(handle func(conn net.Conn, args [][]byte) bool) (DialFunc, *atomic.Int32) {
	var dials atomic.Int32
	return func(ctx context.Context, network, address string) (net.Conn, error) {
		dials.Add(1)
		client, peer := net.Pipe()
		go func() {
			defer peer.Close()
			r := bufio.NewReader(peer)
			for {
				args, err := protocol.ReadRequest(r, protocol.DefaultLimits())
				if err != nil {
					return
				}
				if !handle(peer, args) {
					return
				}
			}
		}()
		return client, nil
	}, &dials
}

func failingDialer(t *testing.T) DialFunc {
	return func(context.Context, string, string) (net.Conn, error) {
		t.Error("transport must not be contacted")
		return nil, errors.New("unexpected dial")
	}
}

func matrix(t *testing.T) *array.Array {
	t.Helper()
	a, err := array.FromSlice([]int{2, 3}, []float32{1.5, 2.25, 3, 4, 5, 6.125})
	require.NoError(t, err)
	return a
}

func TestPutGetRowMajorFloat32(t *testing.T) {
	ctx := context.Background()
	c := newClient(t, startServer(t), nil)

	ok, err := c.Put(ctx, "m", matrix(t))
	require.NoError(t, err)
	require.True(t, ok)

	got, err := c.Get(ctx, "m")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []int{2, 3}, got.Shape)
	assert.True(t, got.DType.Equal(array.Float32))
	assert.Equal(t, array.RowMajor, got.Order)
	assert.False(t, got.ReadOnly)

	vals, err := array.Values[float32](got)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{1.5, 2.25, 3, 4, 5, 6.125}, vals, 1e-6)
}

func TestPutGetColumnMajor(t *testing.T) {
	ctx := context.Background()
	c := newClient(t, startServer(t), nil)
	src := matrix(t)

	ok, err := c.Put(ctx, "f", src.AsColumnMajor())
	require.NoError(t, err)
	require.True(t, ok)

	got, err := c.Get(ctx, "f")
	require.NoError(t, err)
	assert.Equal(t, array.ColumnMajor, got.Order)
	for i := 0; i < 2; i++ {
		for j := 0; j < 3; j++ {
			want, err := src.Float64At(i, j)
			require.NoError(t, err)
			v, err := got.Float64At(i, j)
			require.NoError(t, err)
			assert.InDelta(t, want, v, 1e-6, "(%d, %d)", i, j)
		}
	}
}

func TestGetAbsentKey(t *testing.T) {
	c := newClient(t, startServer(t), nil)
	got, err := c.Get(context.Background(), "never-stored")
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestPutRejectsInvalidInputWithoutDialing(t *testing.T) {
	ctx := context.Background()
	c := newClient(t, "127.0.0.1:1", func(cfg *config.ClientConfig) {
		cfg.MaxPayloadBytes = 256
	}, WithDialer(failingDialer(t)))

	_, err := c.Put(ctx, "k", nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = c.Put(ctx, "", matrix(t))
	assert.ErrorIs(t, err, ErrInvalidArgument)

	broken := matrix(t)
	broken.Data = broken.Data[:5]
	_, err = c.Put(ctx, "k", broken)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	big, err := array.New(array.Float64, []int{100}, array.RowMajor)
	require.NoError(t, err)
	_, err = c.Put(ctx, "k", big)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = c.Get(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestCompactClient(t *testing.T) {
	ctx := context.Background()
	addr := startServer(t)
	compact := newClient(t, addr, func(cfg *config.ClientConfig) { cfg.Codec = "compact" })
	npy := newClient(t, addr, nil)
	assert.Equal(t, codec.CompactName, compact.Codec().Name())

	ok, err := compact.Put(ctx, "c", matrix(t))
	require.NoError(t, err)
	require.True(t, ok)

	got, err := compact.Get(ctx, "c")
	require.NoError(t, err)
	assert.True(t, matrix(t).Equal(got))

	// NPY payloads identify themselves; compact ones do not.
	ok, err = npy.Put(ctx, "n", matrix(t))
	require.NoError(t, err)
	require.True(t, ok)
	got, err = compact.Get(ctx, "n")
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, got.Shape)

	_, err = npy.Get(ctx, "c")
	assert.ErrorIs(t, err, codec.ErrFormat)

	rec := &array.Array{DType: array.Record(array.Field{Name: "x", DType: array.Int8}), Shape: []int{1}, Data: []byte{1}}
	_, err = compact.Put(ctx, "r", rec)
	assert.ErrorIs(t, err, codec.ErrUnsupportedDType)
}

func TestWithCodecOverridesConfig(t *testing.T) {
	c := newClient(t, "127.0.0.1:1", nil, WithCodec(codec.Compact{}))
	assert.Equal(t, codec.CompactName, c.Codec().Name())
}

func TestDeleteExistsPing(t *testing.T) {
	ctx := context.Background()
	c := newClient(t, startServer(t), nil)

	require.NoError(t, c.Ping(ctx))

	exists, err := c.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = c.Put(ctx, "k", matrix(t))
	require.NoError(t, err)
	exists, err = c.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, exists)

	deleted, err := c.Delete(ctx, "k")
	require.NoError(t, err)
	assert.True(t, deleted)

	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestServerErrorReply(t *testing.T) {
	c := newClient(t, startServer(t), func(cfg *config.ClientConfig) {
		cfg.StoreCommand = "ARR.PUT"
	})

	_, err := c.Put(context.Background(), "k", matrix(t))
	var se *ServerError
	require.ErrorAs(t, err, &se)
	assert.Contains(t, se.Message, "unknown command")

	// The connection is still usable.
	assert.NoError(t, c.Ping(context.Background()))
}

func TestPutNonOKStatus(t *testing.T) {
	dial, _ := pipeDialer(func(conn net.Conn, _ [][]byte) bool {
		return protocol.WriteStatus(conn, "QUEUED") == nil
	})
	c := newClient(t, "pipe:0", nil, WithDialer(dial))

	ok, err := c.Put(context.Background(), "k", matrix(t))
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestConnectionRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	c := newClient(t, addr, nil)
	_, err = c.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrConnection)
	assert.NotErrorIs(t, err, ErrTimeout)

	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "dial", ce.Op)
}

func TestReadTimeoutIsDistinctAndRedials(t *testing.T) {
	dial, dials := pipeDialer(func(net.Conn, [][]byte) bool {
		return true // never reply
	})
	c := newClient(t, "pipe:0", func(cfg *config.ClientConfig) {
		cfg.ReadTimeout = 50 * time.Millisecond
	}, WithDialer(dial))

	_, err := c.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrTimeout)
	assert.NotErrorIs(t, err, ErrConnection)

	_, err = c.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, int32(2), dials.Load())
}

func TestContextDeadlineAndCancel(t *testing.T) {
	dial, _ := pipeDialer(func(net.Conn, [][]byte) bool { return true })
	c := newClient(t, "pipe:0", nil, WithDialer(dial))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrTimeout)

	ctx, cancel = context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, ErrConnection)

	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPeerClosesMidReply(t *testing.T) {
	dial, dials := pipeDialer(func(conn net.Conn, _ [][]byte) bool {
		_, _ = conn.Write([]byte("$10\r\nabc"))
		return false
	})
	c := newClient(t, "pipe:0", nil, WithDialer(dial))

	_, err := c.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrConnection)
	assert.NotErrorIs(t, err, ErrTimeout)

	_, err = c.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrConnection)
	assert.Equal(t, int32(2), dials.Load())
}

func TestMalformedReply(t *testing.T) {
	dial, dials := pipeDialer(func(conn net.Conn, _ [][]byte) bool {
		_, _ = conn.Write([]byte("!bogus\r\n"))
		return true
	})
	c := newClient(t, "pipe:0", nil, WithDialer(dial))

	_, err := c.Get(context.Background(), "k")
	assert.ErrorIs(t, err, protocol.ErrProtocol)
	assert.NotErrorIs(t, err, ErrConnection)

	_, err = c.Get(context.Background(), "k")
	assert.ErrorIs(t, err, protocol.ErrProtocol)
	assert.Equal(t, int32(2), dials.Load(), "a desynced connection is not reused")
}

func TestBinaryPayloadWithEmbeddedCRLF(t *testing.T) {
	ctx := context.Background()
	c := newClient(t, startServer(t), nil)

	// 0x0a0d little-endian uint16 values put "\r\n" in the buffer.
	a, err := array.FromSlice([]int{4}, []uint16{0x0a0d, 0x0d0a, 0x240d, 0x0a2b})
	require.NoError(t, err)
	ok, err := c.Put(ctx, "crlf", a)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := c.Get(ctx, "crlf")
	require.NoError(t, err)
	assert.True(t, a.Equal(got))
}

func TestCloseIsIdempotent(t *testing.T) {
	never := newClient(t, "127.0.0.1:1", nil, WithDialer(failingDialer(t)))
	assert.NoError(t, never.Close())
	assert.NoError(t, never.Close())

	c := newClient(t, startServer(t), nil)
	require.NoError(t, c.Ping(context.Background()))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err := c.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, err, ErrConnection)
}

func TestCloseInterruptsCallInFlight(t *testing.T) {
	received := make(chan struct{}, 1)
	dial, _ := pipeDialer(func(net.Conn, [][]byte) bool {
		received <- struct{}{}
		return true // never reply
	})
	c := newClient(t, "pipe:0", nil, WithDialer(dial))

	errc := make(chan error, 1)
	go func() {
		_, err := c.Get(context.Background(), "k")
		errc <- err
	}()
	<-received

	closed := make(chan error, 1)
	go func() { closed <- c.Close() }()
	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close waited for the read timeout")
	}

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Get did not return after Close")
	}
}

func TestIdleConnectionSurvivesServerReadTimeout(t *testing.T) {
	ctx := context.Background()
	addr := startServer(t, func(cfg *config.ServerConfig) {
		cfg.ReadTimeout = 200 * time.Millisecond
	})
	c := newClient(t, addr, nil)

	ok, err := c.Put(ctx, "m", matrix(t))
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(500 * time.Millisecond)

	got, err := c.Get(ctx, "m")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, matrix(t).Equal(got))
}

func TestConcurrentCallsAreSerialized(t *testing.T) {
	ctx := context.Background()
	c := newClient(t, startServer(t), nil)
	a := matrix(t)

	errs := make(chan error, 16)
	for i := 0; i < cap(errs); i++ {
		go func() {
			if _, err := c.Put(ctx, "shared", a); err != nil {
				errs <- err
				return
			}
			got, err := c.Get(ctx, "shared")
			if err == nil && !a.Equal(got) {
				err = errors.New("payload mismatch")
			}
			errs <- err
		}()
	}
	for i := 0; i < cap(errs); i++ {
		assert.NoError(t, <-errs)
	}
}

func TestNewWithConfigValidates(t *testing.T) {
	cfg := config.DefaultClientConfig()
	cfg.Codec = "pickle"
	_, err := NewWithConfig(cfg)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)

	c, err := New("localhost:6379")
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", c.Address())
	assert.NoError(t, c.Close())
}
