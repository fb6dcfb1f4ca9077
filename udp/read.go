package udp

import (
	"context"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/treemana/splitdns/cache"
	"github.com/treemana/splitdns/log"
	"github.com/treemana/splitdns/model"
	"github.com/treemana/splitdns/upstream"
	"github.com/treemana/splitdns/util"
)

// read receives one datagram into the reusable buffer. A nil DT without error
// means the datagram was dropped.
func (s *Server) read() (*model.DT, error) {
	n, remoteAddr, dst, err := util.Read(s.conn, s.buf, s.oobBuf)
	if err != nil {
		return nil, err
	}

	sn := s.serial.Add(1)

	if n <= 0 {
		log.Sugar.Warnf("sn=%d server read 0 byte", sn)
		return nil, nil
	}

	var message = new(dns.Msg)
	if err = message.Unpack(s.buf[:n]); err != nil {
		log.Sugar.Errorf("sn=%d server unpack error=[%+v], from %s, raw=[%x]", sn, err, remoteAddr, s.buf[:n])
		return nil, nil
	}

	if message.Response {
		log.Sugar.Warnf("sn=%d, id=%d not a query", sn, message.Id)
		return nil, nil
	}

	key, ok := cache.KeyFromMsg(message)
	if !ok {
		log.Sugar.Warnf("sn=%d, id=%d, question=%d", sn, message.Id, len(message.Question))
		return nil, nil
	}

	log.Sugar.Infof("sn=%d, id=%d, query=[%s] from %s", sn, message.Id, message.Question[0].String(), remoteAddr)

	return &model.DT{
		SN:         sn,
		RemoteAddr: remoteAddr,
		LocalIP:    dst,
		Request:    message,
		Key:        key,
	}, nil
}

// produce finds the answer body for dt, from the cache or the resolver, and
// replies. Nothing is sent when no answer can be found.
func (s *Server) produce(ctx context.Context, dt *model.DT) {

	// local cache hit
	if dt.Body, dt.Cached = s.cacheGet(dt.Key); dt.Cached {
		s.write(dt)
		return
	}

	l := log.Logger.With(log.SN(dt.SN), log.ID(dt.Request.Id))

	winner, err := s.resolver.Resolve(ctx, dt.Request)
	if err != nil {
		l.Error("resolve failed", zap.Error(err))
		return
	}
	if winner == nil || (winner.Msg == nil && len(winner.Raw) == 0) {
		l.Error("resolver returned no response")
		return
	}

	if dt.Body, err = responseBody(winner); err != nil {
		l.Error("response pack failed", zap.Error(err))
		return
	}

	// stored before the id rewrite so any later requester can reuse it
	s.cacheUpdate(dt.Key, dt.Body)

	s.write(dt)
}

// responseBody returns a private copy of the upstream datagram with a zero id,
// packing Msg only when no datagram was kept.
func responseBody(r *upstream.Result) ([]byte, error) {
	if len(r.Raw) == 0 {
		return util.DNSPackWithoutID(r.Msg)
	}

	body := make([]byte, len(r.Raw))
	copy(body, r.Raw)
	if err := util.DNSSetID(body, 0); err != nil {
		return nil, err
	}
	return body, nil
}
