package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/feellmoose/gridswarm/internal/utils/logging"
)

// ErrTransportRejected is returned to a caller whose connection was turned away
// because the server queue was full.
var ErrTransportRejected = errors.New("transport rejected: server queue full")

// ServiceError is an application failure reported by a Service and carried back
// to the caller as a response.
type ServiceError struct {
	Message string
}

func (e *ServiceError) Error() string {
	return "service error: " + e.Message
}

// Service handles one request payload and produces one response payload.
// Returned errors are sent to the caller as a ServiceError.
type Service interface {
	Handle(ctx context.Context, request []byte) ([]byte, error)
}

// ServiceFunc adapts a function to Service.
type ServiceFunc func(ctx context.Context, request []byte) ([]byte, error)

func (f ServiceFunc) Handle(ctx context.Context, request []byte) ([]byte, error) {
	return f(ctx, request)
}

// Server dispatches inbound requests to a Service.
type Server interface {
	// Serve binds bindAddr and returns once connections are being accepted.
	Serve(bindAddr string, svc Service) error
	// Shutdown stops accepting, lets queued and in-flight requests finish for up
	// to grace, then abandons whatever is left.
	Shutdown(grace time.Duration)
	// Addr is the bound address, or nil when not serving.
	Addr() net.Addr
}

// NoQueue as a QueueCapacity rejects every request that finds all workers busy.
const NoQueue = -1

// PoolOptions configures a WorkerPoolServer.
type PoolOptions struct {
	Workers       int           `yaml:"workers"`        // default 4
	QueueCapacity int           `yaml:"queue_capacity"` // pending requests beyond the busy workers; NoQueue or 0 for none
	ReadTimeout   time.Duration `yaml:"read_timeout"`   // idle wait for the next request, default 30s
	WriteTimeout  time.Duration `yaml:"write_timeout"`  // default 5s
}

type activeConn struct {
	conn   *net.TCPConn
	idle   atomic.Bool
	served atomic.Bool
}

// request is one frame read off a connection, waiting for a worker.
type request struct {
	conn    *TCPTransportConn
	payload []byte
	done    chan bool // true once the response is written
}

// WorkerPoolServer serves requests from a bounded queue with a fixed number of
// workers. Each connection has its own reader, so an idle connection never holds
// a worker; a request is queued only once its frame has arrived. When the queue
// is full the connection is answered with a rejection frame and closed instead
// of waiting.
type WorkerPoolServer struct {
	opts    PoolOptions
	metrics *Metrics

	mu       sync.Mutex
	serving  bool
	listener *net.TCPListener
	queue    chan *request
	workers  *ants.Pool
	ctx      context.Context
	cancel   context.CancelFunc

	drainBy  atomic.Int64 // unix nanos; zero while not draining
	active   sync.Map     // *activeConn -> struct{}
	acceptWG sync.WaitGroup
	connWG   sync.WaitGroup
	workerWG sync.WaitGroup
}

// NewWorkerPoolServer creates an idle server. Call Serve to start it.
func NewWorkerPoolServer(opts PoolOptions) *WorkerPoolServer {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueCapacity < 0 {
		opts.QueueCapacity = 0
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 30 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	return &WorkerPoolServer{opts: opts, metrics: NewMetrics()}
}

// Metrics returns a snapshot of the server counters.
func (s *WorkerPoolServer) Metrics() MetricsSnapshot {
	snap := s.metrics.Snapshot()
	s.mu.Lock()
	if s.queue != nil {
		snap.QueueDepth = len(s.queue)
	}
	s.mu.Unlock()
	return snap
}

// QueueLen returns the number of requests waiting for a worker.
func (s *WorkerPoolServer) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue == nil {
		return 0
	}
	return len(s.queue)
}

func (s *WorkerPoolServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *WorkerPoolServer) Serve(bindAddr string, svc Service) error {
	if svc == nil {
		return errors.New("service is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.serving {
		return errors.New("server already serving")
	}

	tcpAddr, err := net.ResolveTCPAddr("tcp", bindAddr)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", bindAddr, err)
	}
	listener, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", bindAddr, err)
	}

	workers, err := ants.NewPool(s.opts.Workers,
		ants.WithPreAlloc(true),
		ants.WithPanicHandler(func(p interface{}) {
			logging.Error(fmt.Errorf("panic in rpc worker: %v", p), "worker pool panic")
		}))
	if err != nil {
		_ = listener.Close()
		return fmt.Errorf("create worker pool: %w", err)
	}

	s.listener = listener
	s.workers = workers
	s.queue = make(chan *request, s.opts.QueueCapacity)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.drainBy.Store(0)

	queue, ctx := s.queue, s.ctx
	for i := 0; i < s.opts.Workers; i++ {
		s.workerWG.Add(1)
		if err := workers.Submit(func() { s.workerLoop(ctx, svc, queue) }); err != nil {
			s.workerWG.Done()
			_ = listener.Close()
			close(queue)
			s.workerWG.Wait()
			workers.Release()
			s.cancel()
			s.listener = nil
			return fmt.Errorf("start worker %d: %w", i, err)
		}
	}

	s.acceptWG.Add(1)
	go s.acceptLoop(ctx, listener, queue)
	s.serving = true

	logging.Info("RPC server listening", "addr", listener.Addr().String(),
		"workers", s.opts.Workers, "queueCapacity", s.opts.QueueCapacity)
	return nil
}

func (s *WorkerPoolServer) acceptLoop(ctx context.Context, listener *net.TCPListener, queue chan<- *request) {
	defer s.acceptWG.Done()
	defer func() {
		if r := recover(); r != nil {
			logging.Error(fmt.Errorf("recovered from panic: %v", r), "rpc server, accepting connections")
		}
	}()

	for {
		conn, err := listener.AcceptTCP()
		if err != nil {
			if isTemporary(err) {
				continue
			}
			if !isClosed(err) {
				logging.Error(err, "rpc server, error accepting connection")
			}
			return
		}
		tuneTCPConn(conn)

		s.connWG.Add(1)
		go s.readLoop(ctx, conn, queue)
	}
}

// reject answers with a rejection frame, then drains what the peer already sent
// before closing so the frame is not lost to a connection reset.
func (s *WorkerPoolServer) reject(conn *net.TCPConn) {
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(time.Second))
	if err := writeFrame(conn, encodeResponse(statusRejected, []byte(ErrTransportRejected.Error()))); err != nil {
		return
	}
	_ = conn.CloseWrite()
	_, _ = io.Copy(io.Discard, conn)
}

// readLoop owns one connection: it waits for each request frame, queues it for a
// worker and waits for the response before reading the next one.
func (s *WorkerPoolServer) readLoop(ctx context.Context, conn *net.TCPConn, queue chan<- *request) {
	ac := &activeConn{conn: conn}
	s.active.Store(ac, struct{}{})
	s.metrics.RecordAccept()
	defer func() {
		s.active.Delete(ac)
		s.metrics.RecordClose()
		_ = conn.Close()
		s.connWG.Done()
	}()
	defer func() {
		if r := recover(); r != nil {
			logging.Error(fmt.Errorf("recovered from panic: %v", r), "rpc server, reading requests")
		}
	}()

	tc := NewTCPTransportConn(conn)
	for {
		ac.idle.Store(true)
		if ac.served.Load() && s.drainBy.Load() != 0 {
			return
		}

		deadline := time.Now().Add(s.opts.ReadTimeout)
		if by := s.drainBy.Load(); by != 0 && time.Unix(0, by).Before(deadline) {
			deadline = time.Unix(0, by)
		}
		readCtx, cancel := context.WithDeadline(context.Background(), deadline)
		payload, err := tc.ReadDataWithContext(readCtx)
		cancel()
		ac.idle.Store(false)
		if err != nil {
			var netErr net.Error
			if !errors.Is(err, io.EOF) && !isClosed(err) && !(errors.As(err, &netErr) && netErr.Timeout()) {
				s.metrics.RecordError("read")
				logging.Debug("rpc server, read failed", "remote_addr", conn.RemoteAddr().String(), "err", err)
			}
			return
		}
		s.metrics.RecordRead(len(payload))

		req := &request{conn: tc, payload: payload, done: make(chan bool, 1)}
		select {
		case queue <- req:
		default:
			s.metrics.RecordReject()
			logging.Warn("Rejected connection: worker queue full",
				"remote_addr", conn.RemoteAddr().String(), "queueCapacity", s.opts.QueueCapacity)
			s.reject(conn)
			return
		}

		select {
		case ok := <-req.done:
			if !ok {
				return
			}
		case <-ctx.Done():
			return
		}
		ac.served.Store(true)
	}
}

func (s *WorkerPoolServer) workerLoop(ctx context.Context, svc Service, queue <-chan *request) {
	defer s.workerWG.Done()
	for req := range queue {
		req.done <- s.serve(ctx, svc, req)
	}
}

// serve runs one request and writes its response, reporting whether the
// connection is still usable.
func (s *WorkerPoolServer) serve(ctx context.Context, svc Service, req *request) bool {
	start := time.Now()
	resp := s.dispatch(ctx, svc, req.payload)

	writeCtx, cancel := context.WithTimeout(context.Background(), s.opts.WriteTimeout)
	err := req.conn.WriteDataWithContext(writeCtx, resp)
	cancel()
	if err != nil {
		s.metrics.RecordError("write")
		logging.Debug("rpc server, write failed", "remote_addr", req.conn.RemoteAddr().String(), "err", err)
		return false
	}
	s.metrics.RecordHandled(len(resp), time.Since(start))
	return true
}

// dispatch runs the service, turning errors and panics into service-error responses.
func (s *WorkerPoolServer) dispatch(ctx context.Context, svc Service, req []byte) (resp []byte) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			logging.Error(err, "rpc server, service panicked")
			s.metrics.RecordError("service")
			resp = encodeResponse(statusServiceError, []byte(err.Error()))
		}
	}()

	body, err := svc.Handle(ctx, req)
	if err != nil {
		s.metrics.RecordError("service")
		return encodeResponse(statusServiceError, []byte(err.Error()))
	}
	return encodeResponse(statusOK, body)
}

func (s *WorkerPoolServer) Shutdown(grace time.Duration) {
	s.mu.Lock()
	if !s.serving {
		s.mu.Unlock()
		return
	}
	s.serving = false
	listener, queue, workers := s.listener, s.queue, s.workers
	s.mu.Unlock()

	drainBy := time.Now().Add(grace)
	_ = listener.Close()
	s.acceptWG.Wait()

	s.drainBy.Store(drainBy.UnixNano())
	s.active.Range(func(key, _ interface{}) bool {
		ac := key.(*activeConn)
		if ac.idle.Load() && ac.served.Load() {
			_ = ac.conn.SetReadDeadline(time.Now())
		}
		return true
	})

	// Readers finish first so nothing is sent on the queue once it is closed.
	done := make(chan struct{})
	go func() {
		s.connWG.Wait()
		close(queue)
		s.workerWG.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Until(drainBy)):
		logging.Warn("RPC drain timed out, abandoning in-flight requests", "grace", grace)
		s.cancel()
		s.active.Range(func(key, _ interface{}) bool {
			_ = key.(*activeConn).conn.Close()
			return true
		})
	}

	s.cancel()
	workers.Release()

	s.mu.Lock()
	s.listener = nil
	s.mu.Unlock()
	logging.Info("RPC server stopped", "addr", listener.Addr().String())
}
