package upstream

import (
	"time"

	"github.com/miekg/dns"

	"github.com/treemana/splitdns/util"
)

// Classification ranks an upstream response for arbitration.
type Classification uint8

const (
	// Unusable covers timeouts, transport errors, error rcodes and empty answers.
	Unusable Classification = iota
	// WithoutAddress succeeded with answers, none of them A or AAAA.
	WithoutAddress
	// WithAddress succeeded with at least one A or AAAA answer.
	WithAddress
)

func (c Classification) String() string {
	switch c {
	case Unusable:
		return "unusable"
	case WithoutAddress:
		return "without-address"
	case WithAddress:
		return "with-address"
	default:
		return "unknown"
	}
}

// Classify applies the same predicate that decides cache-worthiness: a
// NOERROR rcode and a non-empty answer section.
func Classify(m *dns.Msg) Classification {
	if m == nil || m.Rcode != dns.RcodeSuccess || len(m.Answer) == 0 {
		return Unusable
	}

	if util.DNSHasAddress(m) {
		return WithAddress
	}

	return WithoutAddress
}

// Result is the outcome of one query to one upstream.
type Result struct {
	Addr string
	Msg  *dns.Msg // nil when Err is set
	// Raw is the datagram Msg was unpacked from, forwarded to clients as is
	Raw   []byte
	Class Classification
	RTT   time.Duration
	Err   error
}

// arbitrate returns the index of the winning result: the first WithAddress
// result in configuration order, else the first WithoutAddress one.
func arbitrate(results []Result) (int, bool) {
	var withAddress, withoutAddress = -1, -1
	for i, r := range results {
		switch r.Class {
		case WithAddress:
			if withAddress < 0 {
				withAddress = i
			}
		case WithoutAddress:
			if withoutAddress < 0 {
				withoutAddress = i
			}
		case Unusable:
		default:
			// unknown classes never win
		}
	}

	if withAddress >= 0 {
		return withAddress, true
	}

	if withoutAddress >= 0 {
		return withoutAddress, true
	}

	return -1, false
}
