package udp

import (
	"github.com/treemana/splitdns/cache"
	"github.com/treemana/splitdns/log"
)

func (s *Server) cacheStart() {
	if !s.cache.Enabled() {
		log.Sugar.Info("server cache disabled")
		return
	}
	s.cache.Start()
}

func (s *Server) cacheStop() {
	if !s.cache.Enabled() {
		return
	}
	s.cache.Stop()
	log.Sugar.Info("server cache stopped")
}

func (s *Server) cacheGet(key cache.Key) ([]byte, bool) {
	body, ok := s.cache.Get(key)
	if ok {
		log.Sugar.Debugf("cache hit [%s]", key)
	}
	return body, ok
}

func (s *Server) cacheUpdate(key cache.Key, body []byte) {
	s.cache.Insert(key, body)
}
