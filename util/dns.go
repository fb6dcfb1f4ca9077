package util

import (
	"encoding/binary"
	"net"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
)

const headerLen = 12

var errShortMessage = errors.New("dns message shorter than header")

// DNSSplitAnswer returns the address carried by an A or AAAA record, nil otherwise.
func DNSSplitAnswer(rr dns.RR) net.IP {
	switch rr := rr.(type) {
	case *dns.A:
		return rr.A.To4()
	case *dns.AAAA:
		return rr.AAAA
	default:
		return nil
	}
}

// DNSHasAddress reports whether the answer section holds at least one A or AAAA record.
func DNSHasAddress(m *dns.Msg) bool {
	if m == nil {
		return false
	}
	for _, rr := range m.Answer {
		if len(DNSSplitAnswer(rr)) > 0 {
			return true
		}
	}
	return false
}

// DNSPackWithoutID packs a compressed copy of m with a zero transaction id,
// m itself is left untouched. Only for messages that never existed on the
// wire, received ones are forwarded as received.
func DNSPackWithoutID(m *dns.Msg) ([]byte, error) {
	if m == nil {
		return nil, errors.New("nil message")
	}
	c := m.Copy()
	c.Id = 0
	c.Compress = true
	return c.Pack()
}

// DNSSetID overwrites the transaction id in the header of a packed message.
func DNSSetID(raw []byte, id uint16) error {
	if len(raw) < headerLen {
		return errShortMessage
	}
	binary.BigEndian.PutUint16(raw[:2], id)
	return nil
}

// DNSGetID reads the transaction id from a packed message.
func DNSGetID(raw []byte) (uint16, error) {
	if len(raw) < headerLen {
		return 0, errShortMessage
	}
	return binary.BigEndian.Uint16(raw[:2]), nil
}
