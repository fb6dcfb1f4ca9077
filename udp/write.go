package udp

import (
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/treemana/splitdns/log"
	"github.com/treemana/splitdns/model"
	"github.com/treemana/splitdns/util"
)

// write rewrites the transaction id of dt.Body to the request's and sends it
// to the requester.
func (s *Server) write(dt *model.DT) {
	l := log.Logger.With(log.SN(dt.SN), log.ID(dt.Request.Id))

	if dt.RemoteAddr == nil {
		l.Debug("remote addr nil", zap.Stringer("key", dt.Key))
		return
	}

	if err := util.DNSSetID(dt.Body, dt.Request.Id); err != nil {
		l.Warn("response id rewrite failed", zap.Error(err))
		return
	}

	if err := s.conn.SetWriteDeadline(time.Now().Add(s.opt.WriteTimeout)); err != nil {
		l.Error("server udp connection set deadline failed", zap.Error(err))
		return
	}

	var src net.IP
	if s.oob {
		src = dt.LocalIP
	}

	n, err := util.Write(s.conn, dt.Body, dt.RemoteAddr, src)
	if err != nil && src != nil {
		l.Warn("write with source failed, retry without source", zap.Stringer("src", src), zap.Error(err))
		n, err = util.Write(s.conn, dt.Body, dt.RemoteAddr, nil)
	}
	if err != nil {
		l.Error("udp connection write failed", zap.Error(err))
		return
	}

	l.Info("sent",
		zap.Bool("cache", dt.Cached),
		zap.Int("bytes", n),
		zap.Stringer("to", dt.RemoteAddr),
	)
}
