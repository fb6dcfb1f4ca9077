package cache

import (
	"fmt"
	"strings"

	"github.com/miekg/dns"
)

// Key identifies a cached answer by its question, never by transaction id.
type Key struct {
	Name   string // lowercased, fully qualified
	Qtype  uint16
	Qclass uint16
}

// KeyFromQuestion normalizes q so names differing only in letter case share a key.
func KeyFromQuestion(q dns.Question) Key {
	return Key{
		Name:   strings.ToLower(dns.Fqdn(q.Name)),
		Qtype:  q.Qtype,
		Qclass: q.Qclass,
	}
}

// KeyFromMsg returns the key of a message carrying exactly one question.
func KeyFromMsg(m *dns.Msg) (Key, bool) {
	if m == nil || len(m.Question) != 1 {
		return Key{}, false
	}
	return KeyFromQuestion(m.Question[0]), true
}

func (k Key) String() string {
	return fmt.Sprintf("%s %s %s", k.Name, dns.ClassToString[k.Qclass], dns.TypeToString[k.Qtype])
}
