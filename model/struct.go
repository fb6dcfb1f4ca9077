package model

import (
	"net"

	"github.com/miekg/dns"

	"github.com/treemana/splitdns/cache"
)

// DT carries one receive → resolve → reply cycle of the server.
type DT struct {
	// SN serial number of the datagram, used to correlate log lines
	SN uint64

	// RemoteAddr the requester udp address
	RemoteAddr *net.UDPAddr

	// LocalIP the address the query was sent to, nil when unknown
	LocalIP net.IP

	Request *dns.Msg
	Key     cache.Key

	// Body packed response, its transaction id is rewritten to Request.Id
	// right before sending
	Body []byte

	Cached bool // when response from the cache, true will be set
}
