package udp

import (
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"

	"github.com/treemana/splitdns/cache"
	"github.com/treemana/splitdns/upstream"
)

func startUpstream(t *testing.T, delay time.Duration, hits *int32, answer func(q *dns.Msg) []dns.RR) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	started := make(chan struct{})
	srv := &dns.Server{
		PacketConn:        pc,
		NotifyStartedFunc: func() { close(started) },
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
			atomic.AddInt32(hits, 1)
			time.Sleep(delay)
			a := new(dns.Msg)
			a.SetReply(r)
			a.Answer = answer(r)
			_ = w.WriteMsg(a)
		}),
	}
	go func() { _ = srv.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = srv.Shutdown() })

	return pc.LocalAddr().String()
}

func TestEndToEnd(t *testing.T) {
	var hits int32
	cname := func(q *dns.Msg) []dns.RR {
		return []dns.RR{&dns.CNAME{
			Hdr:    dns.RR_Header{Name: q.Question[0].Name, Rrtype: dns.TypeCNAME, Class: dns.ClassINET, Ttl: 60},
			Target: "alias.example.net.",
		}}
	}
	withA := func(ip string) func(q *dns.Msg) []dns.RR {
		return func(q *dns.Msg) []dns.RR {
			return []dns.RR{&dns.A{
				Hdr: dns.RR_Header{Name: q.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
				A:   net.ParseIP(ip),
			}}
		}
	}

	addrs := []string{
		startUpstream(t, 0, &hits, cname),
		startUpstream(t, 60*time.Millisecond, &hits, withA("192.0.2.1")),
		startUpstream(t, 30*time.Millisecond, &hits, withA("192.0.2.2")),
		startUpstream(t, 0, &hits, withA("192.0.2.3")),
	}

	up, err := upstream.New(addrs, upstream.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = up.Close() })

	s := startTestServer(t, up, cache.New(cache.Options{TTL: time.Minute}))

	c := &dns.Client{Net: "udp", Timeout: 3 * time.Second}
	for _, id := range []uint16{0x1111, 0x2222} {
		q := new(dns.Msg)
		q.SetQuestion("example.com.", dns.TypeA)
		q.Id = id

		a, _, err := c.Exchange(q, s.Addr().String())
		require.NoError(t, err)
		require.Equal(t, id, a.Id)
		require.Len(t, a.Answer, 1)
		require.Equal(t, "192.0.2.1", a.Answer[0].(*dns.A).A.String())
	}

	// only the first query fanned out
	require.Equal(t, int32(len(addrs)), atomic.LoadInt32(&hits))
}

func TestEndToEndForwardsCompressedReply(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	var sent atomic.Value
	started := make(chan struct{})
	srv := &dns.Server{
		PacketConn:        pc,
		NotifyStartedFunc: func() { close(started) },
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
			a := new(dns.Msg)
			a.SetReply(r)
			for i := 1; i <= 30; i++ {
				a.Answer = append(a.Answer, &dns.A{
					Hdr: dns.RR_Header{Name: r.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
					A:   net.IPv4(192, 0, 2, byte(i)),
				})
			}
			a.Compress = true
			raw, err := a.Pack()
			if err != nil {
				return
			}
			sent.Store(raw)
			_, _ = w.Write(raw)
		}),
	}
	go func() { _ = srv.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = srv.Shutdown() })

	up, err := upstream.New([]string{pc.LocalAddr().String()}, upstream.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = up.Close() })

	s := startTestServer(t, up, cache.New(cache.Options{TTL: time.Minute}))
	conn := dial(t, s)

	reply := roundTrip(t, conn, packQuery(t, "a-rather-long-name.subdomain.example.com.", 0x7e7f), 3*time.Second)
	require.NotNil(t, reply)

	raw, ok := sent.Load().([]byte)
	require.True(t, ok)
	require.Equal(t, []byte{0x7e, 0x7f}, reply[:2])
	require.Equal(t, raw[2:], reply[2:])
}
