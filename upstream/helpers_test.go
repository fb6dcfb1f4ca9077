package upstream

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

func newA(name, ip string) dns.RR {
	return &dns.A{
		Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
		A:   net.ParseIP(ip),
	}
}

func newCNAME(name, target string) dns.RR {
	return &dns.CNAME{
		Hdr:    dns.RR_Header{Name: name, Rrtype: dns.TypeCNAME, Class: dns.ClassINET, Ttl: 60},
		Target: target,
	}
}

func newReply(q *dns.Msg, rcode int, answer ...dns.RR) *dns.Msg {
	a := new(dns.Msg)
	a.SetRcode(q, rcode)
	a.Answer = answer
	return a
}

// testExchanger answers from fn after delay and counts invocations.
type testExchanger struct {
	addr  string
	delay time.Duration
	fn    func(q *dns.Msg) *dns.Msg
	hits  int32
}

func (e *testExchanger) Query(ctx context.Context, q *dns.Msg) Result {
	atomic.AddInt32(&e.hits, 1)
	if e.delay > 0 {
		select {
		case <-time.After(e.delay):
		case <-ctx.Done():
			return Result{Addr: e.addr, Err: ctx.Err()}
		}
	}
	if e.fn == nil {
		return Result{Addr: e.addr, Err: context.DeadlineExceeded}
	}
	m := e.fn(q)
	return Result{Addr: e.addr, Msg: m, Class: Classify(m), RTT: e.delay}
}

func (e *testExchanger) Address() string { return e.addr }

func (e *testExchanger) HitCount() int { return int(atomic.LoadInt32(&e.hits)) }

// startServer runs an in-process UDP DNS server and returns its address.
func startServer(t *testing.T, handler dns.HandlerFunc) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	started := make(chan struct{})
	srv := &dns.Server{PacketConn: pc, Handler: handler, NotifyStartedFunc: func() { close(started) }}
	go func() { _ = srv.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = srv.Shutdown() })

	return pc.LocalAddr().String()
}
