package udp

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
	"github.com/pkg/errors"

	"github.com/treemana/splitdns/cache"
	"github.com/treemana/splitdns/log"
	"github.com/treemana/splitdns/upstream"
	"github.com/treemana/splitdns/util"
)

const (
	defaultTimeout    = 10 * time.Second
	defaultBufferSize = 1024
)

// Resolver produces the answer for a query the cache could not serve. The
// winning Result carries the upstream datagram that is forwarded to clients.
type Resolver interface {
	Resolve(ctx context.Context, q *dns.Msg) (*upstream.Result, error)
}

// State of the serve loop.
type State int32

const (
	Idle     State = iota // waiting for a datagram
	Handling              // resolving and replying to one datagram
)

func (s State) String() string {
	if s == Handling {
		return "handling"
	}
	return "idle"
}

type Options struct {
	// BufferSize of the reusable receive buffer, default 1024 bytes
	BufferSize int
	// WriteTimeout bounds sending one reply, default 10s
	WriteTimeout time.Duration
}

// Server answers DNS queries one datagram at a time: the next datagram is read
// only after the current one was answered or dropped.
type Server struct {
	address *net.UDPAddr
	conn    *net.UDPConn
	oob     bool // reply from the address the query arrived on

	resolver Resolver
	cache    *cache.Cache
	opt      Options

	buf    []byte
	oobBuf []byte

	status    atomic.Bool // running status
	state     atomic.Int32
	serial    atomic.Uint64
	closeOnce sync.Once
}

func New(ip net.IP, port int, resolver Resolver, c *cache.Cache, opt Options) (*Server, error) {

	if len(ip) == 0 {
		return nil, errors.New("invalid ip")
	}

	if port < 0 || port > 65535 {
		return nil, errors.Errorf("invalid port=%d", port)
	}

	if resolver == nil {
		return nil, errors.New("nil resolver")
	}

	if opt.BufferSize <= 0 {
		opt.BufferSize = defaultBufferSize
	}
	if opt.WriteTimeout <= 0 {
		opt.WriteTimeout = defaultTimeout
	}

	s := Server{
		address:  &net.UDPAddr{Port: port, IP: ip},
		resolver: resolver,
		cache:    c,
		opt:      opt,
		buf:      make([]byte, opt.BufferSize),
	}

	if err := s.setConn(); err != nil {
		return nil, errors.Wrap(err, "set conn")
	}

	return &s, nil
}

// Addr returns the bound address, useful when port 0 was requested.
func (s *Server) Addr() net.Addr {
	return s.conn.LocalAddr()
}

func (s *Server) State() State {
	return State(s.state.Load())
}

// Serve runs the receive loop until ctx is done or the server is closed.
func (s *Server) Serve(ctx context.Context) error {
	if !s.status.CompareAndSwap(false, true) {
		return errors.New("server already running")
	}
	defer s.status.Store(false)

	s.cacheStart()
	defer s.cacheStop()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			log.Sugar.Info("server read stopping")
			_ = s.Close()
		case <-done:
		}
	}()

	log.Sugar.Infof("server running on %s ...", s.conn.LocalAddr())

	for {
		dt, err := s.read()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				log.Sugar.Infof("server read connection closed, serial=%d", s.serial.Load())
				return nil
			}
			log.Sugar.Error("server read error : ", err)
			continue
		}

		if dt == nil {
			continue
		}

		s.state.Store(int32(Handling))
		s.produce(ctx, dt)
		s.state.Store(int32(Idle))
	}
}

func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if err = s.conn.Close(); err != nil {
			log.Sugar.Errorf("server udp connection close error=[%+v]", err)
		}
	})
	return err
}

func (s *Server) setConn() error {
	var err error
	if s.conn, err = net.ListenUDP("udp", s.address); err != nil {
		log.Sugar.Errorf("server udp [%s] listen error=[%+v]", s.address, err)
		return err
	}

	// a wildcard bind on a multi-homed host must answer from the address the
	// client talked to
	if !s.address.IP.IsUnspecified() {
		return nil
	}

	if err = util.SetControlMessage(s.conn); err != nil {
		log.Sugar.Warnf("server udp [%s] connection set control error=[%+v]", s.address, err)
		return nil
	}

	s.oob = true
	s.oobBuf = make([]byte, util.OOBSize())

	return nil
}
