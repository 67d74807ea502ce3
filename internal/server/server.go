// Package server implements the TCP accept loop that wires every
// other package together: each accepted socket gets a conn.Connection,
// an OM slot, and a read loop that feeds the RESP parser and hands
// complete commands to the dispatcher (spec.md §2 "Server").
//
// Grounded in the teacher's ws/server.go Start/collectMetrics/
// monitorMemory (ticker-driven metrics + health loops) and
// src/resource_guard.go (rate-limited admission, static limits
// instead of auto-scaling), adapted from an HTTP+WebSocket listener to
// a raw TCP+RESP one.
package server

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/adred-codev/resp-kv-server/internal/conn"
	"github.com/adred-codev/resp-kv-server/internal/config"
	"github.com/adred-codev/resp-kv-server/internal/dispatch"
	"github.com/adred-codev/resp-kv-server/internal/info"
	"github.com/adred-codev/resp-kv-server/internal/logging"
	"github.com/adred-codev/resp-kv-server/internal/metrics"
	"github.com/adred-codev/resp-kv-server/internal/om"
	"github.com/adred-codev/resp-kv-server/internal/pubsub"
	"github.com/adred-codev/resp-kv-server/internal/resp"
	"github.com/adred-codev/resp-kv-server/internal/store"
)

// readBufferSize is the chunk size read off a socket per Read call;
// the parser handles arbitrary fragmentation, this is just a sensible
// syscall granularity (matches the teacher's 4096-byte BufferSize).
const readBufferSize = 4096

// Server owns the listener, the shared KV store/broker/OM, and the
// live connection table. One Server is a single-node instance; tests
// construct several on ephemeral ports (spec.md §9 "keep them behind
// an explicit Server value").
type Server struct {
	cfg *config.Config
	log zerolog.Logger

	store  *store.Store
	broker *pubsub.Broker
	om     *om.OM
	info   *info.Provider
	met    *metrics.Registry

	registry *dispatch.Registry

	listener net.Listener

	acceptLimiter *rate.Limiter

	connMu  sync.Mutex
	conns   map[uint64]*conn.Connection
	nextID  uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// Version is the synthetic redis_version reported by INFO and used as
// the --version flag's output.
const Version = "1.0.0-resp-kv"

// New wires a Server from cfg. met may be nil in tests, in which case
// the OM and dispatcher run without Prometheus instrumentation.
func New(cfg *config.Config, log zerolog.Logger, met *metrics.Registry) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	var storeMetrics store.Metrics
	var omMetrics om.Metrics
	var brokerMetrics pubsub.Metrics
	if met != nil {
		storeMetrics = metrics.NewStoreAdapter(met)
		omMetrics = metrics.NewOMAdapter(met)
		brokerMetrics = metrics.NewBrokerAdapter(met)
	}

	st := store.New(log, storeMetrics)

	o := om.New(om.Config{
		BatchSize:                  cfg.OMBatchSize,
		BatchTimeout:               cfg.OMBatchTimeout,
		MaxQueueSize:               cfg.OMMaxQueueSize,
		CompressionThreshold:       cfg.OMCompressionThreshold,
		MaxChunkSize:               cfg.OMMaxChunkSize,
		WriteTimeout:               cfg.OMWriteTimeout,
		MaxBroadcastPerSecond:      cfg.OMMaxBroadcastPerSecond,
		MaxConsecutiveBackpressure: cfg.OMMaxConsecutiveBackpressure,
	}, log, omMetrics)

	broker := pubsub.New(pubsub.Config{
		LargeChannelThreshold: cfg.BrokerLargeChannelThreshold,
		BufferFlushInterval:   cfg.BrokerBufferFlushInterval,
		MaxBufferedMessages:   cfg.BrokerMaxBufferedMessages,
	}, o, log, brokerMetrics)

	s := &Server{
		cfg:    cfg,
		log:    log,
		store:  st,
		broker: broker,
		om:     o,
		met:    met,
		conns:  make(map[uint64]*conn.Connection),
		ctx:    ctx,
		cancel: cancel,
	}

	s.info = info.New(Version, cfg.Port, func() info.KeyspaceStats {
		return info.KeyspaceStats{Keys: st.DBSize()}
	}, s.ConnectionCount)

	s.registry = &dispatch.Registry{
		Store:   st,
		Broker:  broker,
		OM:      o,
		Info:    s.info,
		Version: Version,
	}

	acceptRPS := cfg.MaxConnections
	if acceptRPS <= 0 {
		acceptRPS = 1000
	}
	s.acceptLimiter = rate.NewLimiter(rate.Limit(acceptRPS), acceptRPS)

	return s
}

// ConnectionCount reports how many connections are currently open.
func (s *Server) ConnectionCount() int64 {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return int64(len(s.conns))
}

// Start binds the listener and launches the accept loop plus the
// background health sweep and metrics report (spec.md §4.3's 30s/60s
// periodic tasks). It returns once the listener is bound; the accept
// loop keeps running in the background until Shutdown is called.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.log.Info().Str("addr", ln.Addr().String()).Msg("resp-kv-server listening")

	s.om.StartHealthSweep(s.ctx, s.cfg.HealthSweepInterval)
	s.om.StartMetricsReport(s.ctx, s.cfg.MetricsInterval, s.reportAggregate)

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// reportAggregate logs the periodic OM aggregate snapshot (spec.md
// §4.3) and mirrors it into the store-keys gauge. Real-time per-slot
// counters are already exported continuously via metrics.OMAdapter;
// this is the coarse periodic summary the spec calls out separately.
func (s *Server) reportAggregate(agg om.AggregateStats) {
	if s.met != nil {
		s.met.StoreKeys.Set(float64(s.store.DBSize()))
	}
	s.log.Info().
		Int("slots", agg.Slots).
		Uint64("messages_queued", agg.MessagesQueued).
		Uint64("messages_sent", agg.MessagesSent).
		Uint64("bytes_sent", agg.BytesSent).
		Msg("om metrics report")
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	var backoff time.Duration
	for {
		netConn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff *= 2
			}
			if backoff > time.Second {
				backoff = time.Second
			}
			s.log.Warn().Err(err).Dur("backoff", backoff).Msg("accept error")
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		if !s.acceptLimiter.Allow() {
			s.rejectConnection(netConn, "rate_limited")
			continue
		}
		if s.cfg.MaxConnections > 0 && s.ConnectionCount() >= int64(s.cfg.MaxConnections) {
			s.rejectConnection(netConn, "max_connections")
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(netConn)
	}
}

func (s *Server) rejectConnection(netConn net.Conn, reason string) {
	if s.met != nil {
		s.met.ConnectionsRejectedTotal.WithLabelValues(reason).Inc()
	}
	s.log.Warn().Str("reason", reason).Str("remote", netConn.RemoteAddr().String()).Msg("connection rejected")
	_ = netConn.Close()
}

// handleConnection owns one accepted socket end-to-end: registration,
// the read-parse-dispatch loop, and teardown. A panic here is
// recovered so one bad client never takes the process down (spec.md
// §7's "timer-callback exception must not crash the process"
// generalizes to every background goroutine).
func (s *Server) handleConnection(netConn net.Conn) {
	defer s.wg.Done()
	defer logging.RecoverAndLog(s.log, "connection")

	id := atomic.AddUint64(&s.nextID, 1)
	c := conn.New(id, netConn)

	s.connMu.Lock()
	s.conns[id] = c
	s.connMu.Unlock()

	s.om.Register(id, netConn)

	if s.met != nil {
		s.met.ConnectionsAcceptedTotal.Inc()
		s.met.ConnectionsActive.Inc()
	}
	info.RecordConnection()

	defer func() {
		s.connMu.Lock()
		delete(s.conns, id)
		s.connMu.Unlock()
		s.broker.UnsubscribeAll(id)
		s.om.Unregister(id)
		if s.met != nil {
			s.met.ConnectionsActive.Dec()
		}
	}()

	buf := make([]byte, readBufferSize)
	for {
		n, err := netConn.Read(buf)
		if n > 0 {
			c.Parser.Feed(buf[:n])
			s.drainCommands(c)
		}
		if err != nil {
			return
		}
	}
}

// drainCommands pulls every complete command currently buffered on c's
// parser and dispatches each in arrival order, enqueuing its reply at
// PriorityHigh so it is fully written (or at least fully enqueued,
// ahead of anything else) before the next command on this connection
// is processed — spec.md §5's per-connection reply ordering guarantee.
func (s *Server) drainCommands(c *conn.Connection) {
	for {
		v, err := c.Parser.Next()
		if err != nil {
			if !errors.Is(err, resp.ErrNeedMore) {
				s.log.Debug().Err(err).Msg("resp parse error")
			}
			return
		}
		tokens, ok := resp.AsCommand(v)
		if !ok || len(tokens) == 0 {
			continue
		}

		start := time.Now()
		reply := dispatch.Dispatch(s.registry, c, tokens)
		if s.met != nil {
			s.met.DispatchCommandDurationSeconds.
				WithLabelValues(strings.ToUpper(tokens[0])).
				Observe(time.Since(start).Seconds())
			s.met.KVOpsTotal.WithLabelValues(strings.ToUpper(tokens[0])).Inc()
		}
		if len(reply) == 0 {
			continue
		}
		if err := s.om.Enqueue(c.ID, reply, om.PriorityHigh); err != nil {
			s.log.Debug().Err(err).Uint64("conn", c.ID).Msg("reply enqueue failed")
			return
		}
	}
}

// Shutdown stops accepting new connections, closes every open
// connection (cancelling their pending writes per spec.md §5), and
// waits for background loops to exit.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		if s.listener != nil {
			err = s.listener.Close()
		}

		s.connMu.Lock()
		conns := make([]*conn.Connection, 0, len(s.conns))
		for _, c := range s.conns {
			conns = append(conns, c)
		}
		s.connMu.Unlock()
		for _, c := range conns {
			_ = c.Conn.Close()
		}

		s.om.Close()
		s.broker.Close()

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
		}
	})
	return err
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Registry exposes the dispatcher's shared state, for tests that want
// to drive Store/Broker directly alongside a running Server.
func (s *Server) Registry() *dispatch.Registry { return s.registry }
