// Package frontend implements the TCP front-end: the listening socket,
// the per-client receive buffers and frame scan, and the single dispatch
// point that routes validated records to the bound sink and the observer.
//
// A traditional single-threaded select-style event loop over raw file
// descriptors has no idiomatic Go equivalent — the runtime already
// schedules goroutines over the OS poller — so this package reaches for
// the idiomatic Go substitute instead: one goroutine per connection does
// the blocking I/O and frame scanning (each connection owns its own
// 1500-byte receive buffer, so that part is naturally free of shared
// state), and every connection forwards its validated records to a
// single dispatch goroutine (run) over a channel. That dispatch
// goroutine is the only thing that ever touches the bound sink, the
// observer, or the handle→connection registry, so a STORE record's side
// effects happen atomically from the rest of the daemon's perspective —
// no other client can interleave.
package frontend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/loganix/datalogger/internal/logging"
	"github.com/loganix/datalogger/internal/metrics"
	"github.com/loganix/datalogger/internal/observer"
	"github.com/loganix/datalogger/internal/record"
	"github.com/loganix/datalogger/internal/sink"
	"github.com/loganix/datalogger/internal/wire"
)

// recvBufSize is the fixed per-connection receive buffer.
const recvBufSize = 1500

type msgKind int

const (
	msgRegister msgKind = iota
	msgUnregister
	msgDispatch
)

type coreMsg struct {
	kind   msgKind
	handle uint64
	conn   net.Conn
	rec    record.Record
}

// clientState is the dispatch goroutine's bookkeeping for one connection:
// enough to send to it and to know whether it holds an observer
// subscription that must be detached on disconnect.
type clientState struct {
	conn              net.Conn
	observerConnected bool
}

// Server is the TCP front-end. It owns all client connections and holds a
// non-owning reference to the bound sink and the observer.
type Server struct {
	addr     string
	sink     sink.Sink
	observer *observer.Observer

	listener   net.Listener
	nextHandle uint64

	core    chan coreMsg
	clients map[uint64]*clientState

	wg sync.WaitGroup
}

// New returns a Server bound to addr that routes STORE/GET_AFTER records
// to boundSink and OBSERVE subscriptions to obs. obs may be nil, meaning
// no observer is wired — OBSERVE records and post-STORE relay are then
// silently skipped.
func New(addr string, boundSink sink.Sink, obs *observer.Observer) *Server {
	return &Server{
		addr:     addr,
		sink:     boundSink,
		observer: obs,
		core:     make(chan coreMsg, 64),
		clients:  make(map[uint64]*clientState),
	}
}

// Start binds the listening socket and runs the accept loop until ctx is
// canceled or the listener fails. It returns only after the accept loop
// has exited, every connection's receive loop has ended, and the dispatch
// goroutine has drained.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("frontend: listen %s: %w", s.addr, err)
	}
	s.listener = ln
	logging.Log.Infof("frontend: listening on %s", s.addr)

	coreDone := make(chan struct{})
	go func() {
		s.run()
		close(coreDone)
	}()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var acceptErr error
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				// Requested shutdown: clean exit, matching the EINTR path
				// of a select-based loop.
			default:
				acceptErr = fmt.Errorf("frontend: accept: %w", err)
				logging.Log.WithError(err).Error("frontend: accept failed, stopping")
			}
			break
		}

		handle := atomic.AddUint64(&s.nextHandle, 1)
		s.wg.Add(1)
		go s.handleConn(conn, handle)
	}

	s.wg.Wait()
	close(s.core)
	<-coreDone
	return acceptErr
}

// Stop closes the listening socket, ending the accept loop on its next
// iteration. Per-client resources are released as each connection's
// receive loop notices the closed listener has no further bearing on it
// and its own read fails.
func (s *Server) Stop() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

// run is the single dispatch goroutine: the only code in this package
// that touches s.sink, s.observer, or s.clients.
func (s *Server) run() {
	for msg := range s.core {
		switch msg.kind {
		case msgRegister:
			if _, dup := s.clients[msg.handle]; dup {
				panic(fmt.Sprintf("frontend: duplicate client handle %d", msg.handle))
			}
			s.clients[msg.handle] = &clientState{conn: msg.conn}
			metrics.ConnectionOpened()

		case msgUnregister:
			st, ok := s.clients[msg.handle]
			if !ok {
				continue
			}
			if st.observerConnected && s.observer != nil {
				s.observer.Detach(msg.handle)
			}
			delete(s.clients, msg.handle)
			metrics.ConnectionClosed()

		case msgDispatch:
			s.dispatch(msg.handle, msg.rec)
		}
	}
}

func (s *Server) dispatch(handle uint64, rec record.Record) {
	switch rec.Action {
	case record.ActionObserve:
		if s.observer == nil {
			return
		}
		s.observer.Attach(rec, handle)
		if st, ok := s.clients[handle]; ok {
			st.observerConnected = true
		}

	default: // STORE, GET_AFTER, and anything else the sink no-ops on.
		rec.Priv = handle
		relay, err := s.sink.Process(rec, s.send)
		if err != nil {
			metrics.SinkError()
			logging.Log.WithError(err).Warn("frontend: sink processing failed")
		} else if relay && s.observer != nil {
			s.observer.Relay(rec, s.send)
		}

		if rec.Action == record.ActionGetAfter {
			_ = s.send(record.EmptyReply, handle)
		}
	}
}

// send serializes rec and writes it to the connection registered under
// handle. Only the dispatch goroutine calls this, so s.clients needs no
// locking here; the frame is built in a buffer local to each call.
func (s *Server) send(rec record.Record, handle uint64) error {
	st, ok := s.clients[handle]
	if !ok {
		return fmt.Errorf("frontend: unknown handle %d", handle)
	}

	var buf [wire.MaxFrameLen]byte
	n := wire.Serialize(rec, buf[2:])
	if n < 0 {
		return errors.New("frontend: record too large to serialize")
	}
	copy(buf[0:2], wire.Marker[:])
	_, err := st.conn.Write(buf[:2+n])
	return err
}
