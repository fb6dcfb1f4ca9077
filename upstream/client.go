package upstream

import (
	"context"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/pkg/errors"

	"github.com/treemana/splitdns/log"
	"github.com/treemana/splitdns/util"
)

const (
	defaultConnectTimeout = time.Second
	defaultRequestTimeout = 2 * time.Second

	// upper bound of stale datagrams skipped while waiting for a matching id
	maxReadLoop = 16
)

var errMaxReadLoop = errors.New("too many responses with unmatched id")

type ClientOptions struct {
	// ConnectTimeout bounds dialing and every write, default 1s
	ConnectTimeout time.Duration
	// RequestTimeout bounds waiting for the response to one query, default 2s
	RequestTimeout time.Duration
	// UDPSize is the largest response accepted, default dns.DefaultMsgSize
	UDPSize uint16
}

func (o ClientOptions) withDefaults() ClientOptions {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = defaultConnectTimeout
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = defaultRequestTimeout
	}
	if o.UDPSize == 0 {
		o.UDPSize = dns.DefaultMsgSize
	}
	return o
}

// Client owns one connected UDP socket to a single upstream resolver for the
// process lifetime. It never reconnects and never retries.
type Client struct {
	addr string
	opt  ClientOptions

	mu   sync.Mutex // one exchange at a time on conn
	conn *dns.Conn
}

var _ Exchanger = (*Client)(nil)

func NewClient(addr string, opt ClientOptions) (*Client, error) {
	opt = opt.withDefaults()

	dc := &dns.Client{
		Net:          "udp",
		UDPSize:      opt.UDPSize,
		DialTimeout:  opt.ConnectTimeout,
		WriteTimeout: opt.ConnectTimeout,
		ReadTimeout:  opt.RequestTimeout,
	}

	conn, err := dc.Dial(addr)
	if err != nil {
		log.Sugar.Errorf("upstream %s dial error=[%+v]", addr, err)
		return nil, errors.Wrapf(err, "dial upstream %s", addr)
	}
	conn.UDPSize = opt.UDPSize

	return &Client{addr: addr, opt: opt, conn: conn}, nil
}

func (c *Client) Address() string {
	return c.addr
}

func (c *Client) String() string {
	return "udp://" + c.addr
}

// Query sends q under a fresh transaction id and waits for the matching
// response. Failures are reported as an Unusable result, never retried.
func (c *Client) Query(ctx context.Context, q *dns.Msg) Result {
	ctx, cancel := context.WithTimeout(ctx, c.opt.RequestTimeout)
	defer cancel()

	req := q.Copy()
	req.Id = dns.Id()

	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	resp, raw, err := c.exchange(ctx, req)
	elapsed := time.Since(start)

	if err != nil {
		log.Sugar.Errorf("upstream %s %s [%s]", c.addr, err, questionString(req))
		return Result{Addr: c.addr, Class: Unusable, RTT: elapsed, Err: err}
	}

	class := Classify(resp)
	log.Sugar.Infof("upstream %s rcode=%s, answer=%t, class=%s, cost %s",
		c.addr, dns.RcodeToString[resp.Rcode], len(resp.Answer) > 0, class, elapsed)

	return Result{Addr: c.addr, Msg: resp, Raw: raw, Class: class, RTT: elapsed}
}

// exchange returns the matching response together with the datagram it was
// unpacked from.
func (c *Client) exchange(ctx context.Context, req *dns.Msg) (*dns.Msg, []byte, error) {

	// unblock the read as soon as the caller gives up, the watcher must be
	// gone before the next exchange touches the deadline
	done, exited := make(chan struct{}), make(chan struct{})
	go func() {
		defer close(exited)
		select {
		case <-ctx.Done():
			_ = c.conn.SetReadDeadline(time.Now())
		case <-done:
		}
	}()
	defer func() {
		close(done)
		<-exited
	}()

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.opt.ConnectTimeout)); err != nil {
		return nil, nil, errors.Wrap(err, "set write deadline")
	}

	if err := c.conn.WriteMsg(req); err != nil {
		return nil, nil, errors.Wrap(err, "send query")
	}

	deadline, _ := ctx.Deadline()
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return nil, nil, errors.Wrap(err, "set read deadline")
	}

	if err := ctx.Err(); err != nil {
		return nil, nil, errors.Wrap(err, "await response")
	}

	buf := make([]byte, c.opt.UDPSize)
	for i := 0; i < maxReadLoop; i++ {
		n, err := c.conn.Conn.Read(buf)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, nil, errors.Wrap(ctxErr, "await response")
			}
			return nil, nil, errors.Wrap(err, "read response")
		}

		// leftovers of an earlier exchange that timed out
		if id, err := util.DNSGetID(buf[:n]); err != nil || id != req.Id {
			log.Sugar.Debugf("upstream %s skip %d bytes, want id=%d", c.addr, n, req.Id)
			continue
		}

		resp := new(dns.Msg)
		if err = resp.Unpack(buf[:n]); err != nil {
			return nil, nil, errors.Wrap(err, "unpack response")
		}

		if !resp.Response {
			log.Sugar.Debugf("upstream %s skip query id=%d", c.addr, resp.Id)
			continue
		}

		raw := make([]byte, n)
		copy(raw, buf[:n])
		return resp, raw, nil
	}

	return nil, nil, errMaxReadLoop
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}

func questionString(m *dns.Msg) string {
	if m == nil || len(m.Question) == 0 {
		return ""
	}
	return m.Question[0].String()
}
