// Package server implements the reference array store server: a RESP
// key-value server that keeps array payloads as opaque byte strings.
//
// Supported commands (names are case-insensitive):
//
//	PING [message]          +PONG, or the message as a bulk reply
//	<store command> key v   +OK
//	<fetch command> key     bulk payload, or $-1 when absent
//	DEL key [key ...]       :number of keys removed
//	EXISTS key [key ...]    :number of keys present
//
// The store and fetch command names come from the configuration and
// default to NP.SET and NP.GET.
//
// Example usage:
//
//	st := store.NewMemory()
//	srv, err := server.New(cfg, st, logger)
//	if err != nil {
//		log.Fatal(err)
//	}
//	go srv.Start()
//	defer srv.Stop()
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cachemir/arraystore/internal/logging"
	"github.com/cachemir/arraystore/pkg/config"
	"github.com/cachemir/arraystore/pkg/protocol"
	"github.com/cachemir/arraystore/pkg/store"
)

// ErrServerClosed is returned by Start and Serve after Stop.
var ErrServerClosed = errors.New("server: closed")

type handler func(ctx context.Context, args [][]byte) protocol.Reply

// Server serves one store over RESP.
type Server struct {
	cfg      *config.ServerConfig
	store    store.Store
	logger   *zap.Logger
	limits   protocol.Limits
	handlers map[string]handler
	slots    chan struct{} // one token per open connection

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a server over st. cfg must pass Validate; a nil logger
// discards output. The caller keeps ownership of st and closes it after
// Stop.
func New(cfg *config.ServerConfig, st store.Store, logger *zap.Logger) (*Server, error) {
	if cfg == nil {
		cfg = config.DefaultServerConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if st == nil {
		return nil, errors.New("server: nil store")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:    cfg,
		store:  st,
		logger: logging.OrNop(logger),
		limits: protocol.Limits{
			MaxBulkBytes:  cfg.MaxPayloadBytes,
			MaxArrayItems: protocol.DefaultLimits().MaxArrayItems,
		},
		slots:  make(chan struct{}, cfg.MaxConns),
		conns:  make(map[net.Conn]struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	s.handlers = map[string]handler{
		"PING":   s.handlePing,
		"DEL":    s.handleDel,
		"EXISTS": s.handleExists,
	}
	s.handlers[strings.ToUpper(cfg.StoreCommand)] = s.handleStore
	s.handlers[strings.ToUpper(cfg.FetchCommand)] = s.handleFetch
	return s, nil
}

// Start listens on the configured address and serves until Stop.
func (s *Server) Start() error {
	var lc net.ListenConfig
	l, err := lc.Listen(context.Background(), "tcp", s.cfg.Address())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Address(), err)
	}
	return s.Serve(l)
}

// Serve accepts connections on l until Stop. It always returns a non-nil
// error; after Stop that error is ErrServerClosed.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = l.Close()
		return ErrServerClosed
	}
	s.listener = l
	s.mu.Unlock()

	s.logger.Info("listening",
		zap.String("addr", l.Addr().String()),
		zap.String("store_command", s.cfg.StoreCommand),
		zap.String("fetch_command", s.cfg.FetchCommand),
	)

	var backoff time.Duration
	for {
		conn, err := l.Accept()
		if err != nil {
			if s.isClosed() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = nextBackoff(backoff)
				s.logger.Warn("accept failed, retrying", zap.Error(err), zap.Duration("backoff", backoff))
				time.Sleep(backoff)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		backoff = 0

		select {
		case s.slots <- struct{}{}:
		default:
			s.logger.Warn("connection limit reached", zap.String("remote", conn.RemoteAddr().String()))
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			_ = protocol.WriteError(conn, "ERR max number of clients reached")
			_ = conn.Close()
			continue
		}

		if !s.track(conn) {
			<-s.slots
			_ = conn.Close()
			return ErrServerClosed
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-s.slots }()
			defer s.untrack(conn)
			s.handleConnection(conn)
		}()
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	if d *= 2; d > time.Second {
		return time.Second
	}
	return d
}

// Addr returns the listener address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and every open connection, then waits for the
// connection handlers to return. It is idempotent.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cancel()
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("stopped")
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	_ = conn.Close()
}

func (s *Server) handleConnection(conn net.Conn) {
	log := s.logger.With(zap.String("remote", conn.RemoteAddr().String()))
	log.Debug("connection opened")
	defer log.Debug("connection closed")

	r := bufio.NewReaderSize(conn, 64*1024)
	w := bufio.NewWriterSize(conn, 64*1024)
	for {
		// Wait for the next request under the idle timeout, then give the
		// rest of it ReadTimeout to arrive.
		if err := conn.SetReadDeadline(s.idleDeadline()); err != nil {
			return
		}
		if _, err := r.Peek(1); err != nil {
			s.readFailed(log, conn, w, err)
			return
		}
		if err := conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
			return
		}
		args, err := protocol.ReadRequest(r, s.limits)
		if err != nil {
			s.readFailed(log, conn, w, err)
			return
		}

		reply := s.execute(args)

		if err := conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
			return
		}
		if _, err := w.Write(reply.Serialize()); err != nil {
			log.Warn("failed to write reply", zap.Error(err))
			return
		}
		if err := w.Flush(); err != nil {
			log.Warn("failed to write reply", zap.Error(err))
			return
		}
	}
}

// idleDeadline is the read deadline between requests. The zero time
// means no deadline.
func (s *Server) idleDeadline() time.Time {
	if s.cfg.IdleTimeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(s.cfg.IdleTimeout)
}

// readFailed reports a malformed request to the peer before the
// connection is dropped. Clean disconnects and shutdown are silent.
func (s *Server) readFailed(log *zap.Logger, conn net.Conn, w *bufio.Writer, err error) {
	switch {
	case errors.Is(err, io.EOF), s.isClosed():
		return
	case errors.Is(err, protocol.ErrProtocol) && !errors.Is(err, io.ErrUnexpectedEOF):
		log.Warn("malformed request", zap.Error(err))
		_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		_ = protocol.WriteError(w, "ERR Protocol error: "+err.Error())
		_ = w.Flush()
	default:
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			log.Debug("read timed out")
			return
		}
		log.Warn("failed to read request", zap.Error(err))
	}
}

func (s *Server) execute(args [][]byte) protocol.Reply {
	name := strings.ToUpper(string(args[0]))
	h, ok := s.handlers[name]
	if !ok {
		return errorReply("ERR unknown command '%s'", args[0])
	}
	return h(s.ctx, args[1:])
}

func errorReply(format string, args ...any) protocol.Reply {
	return protocol.Reply{Type: protocol.ReplyError, Str: fmt.Sprintf(format, args...)}
}

func arityError(command string) protocol.Reply {
	return errorReply("ERR wrong number of arguments for '%s' command", strings.ToLower(command))
}

func storeError(err error) protocol.Reply {
	return errorReply("ERR storage failure: %v", err)
}

func (s *Server) handlePing(_ context.Context, args [][]byte) protocol.Reply {
	switch len(args) {
	case 0:
		return protocol.Reply{Type: protocol.ReplyStatus, Str: "PONG"}
	case 1:
		return protocol.Reply{Type: protocol.ReplyBulk, Bulk: args[0]}
	}
	return arityError("ping")
}

func (s *Server) handleStore(ctx context.Context, args [][]byte) protocol.Reply {
	if len(args) != 2 {
		return arityError(s.cfg.StoreCommand)
	}
	if err := s.store.Set(ctx, string(args[0]), args[1]); err != nil {
		s.logger.Error("store failed", zap.ByteString("key", args[0]), zap.Error(err))
		return storeError(err)
	}
	s.logger.Debug("stored", zap.ByteString("key", args[0]), zap.Int("bytes", len(args[1])))
	return protocol.Reply{Type: protocol.ReplyStatus, Str: "OK"}
}

func (s *Server) handleFetch(ctx context.Context, args [][]byte) protocol.Reply {
	if len(args) != 1 {
		return arityError(s.cfg.FetchCommand)
	}
	v, ok, err := s.store.Get(ctx, string(args[0]))
	if err != nil {
		s.logger.Error("fetch failed", zap.ByteString("key", args[0]), zap.Error(err))
		return storeError(err)
	}
	if !ok {
		return protocol.Reply{Type: protocol.ReplyNull}
	}
	return protocol.Reply{Type: protocol.ReplyBulk, Bulk: v}
}

func (s *Server) handleDel(ctx context.Context, args [][]byte) protocol.Reply {
	if len(args) == 0 {
		return arityError("del")
	}
	var n int64
	for _, key := range args {
		deleted, err := s.store.Delete(ctx, string(key))
		if err != nil {
			return storeError(err)
		}
		if deleted {
			n++
		}
	}
	return protocol.Reply{Type: protocol.ReplyInteger, Int: n}
}

func (s *Server) handleExists(ctx context.Context, args [][]byte) protocol.Reply {
	if len(args) == 0 {
		return arityError("exists")
	}
	var n int64
	for _, key := range args {
		ok, err := s.store.Exists(ctx, string(key))
		if err != nil {
			return storeError(err)
		}
		if ok {
			n++
		}
	}
	return protocol.Reply{Type: protocol.ReplyInteger, Int: n}
}
