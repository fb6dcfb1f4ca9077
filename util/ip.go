package util

import (
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

const (
	DefaultDNSPort = "53"

	// ipv*Flags is the set of socket option flags for configuring IPv* UDP
	// connection to receive an appropriate OOB data.  For both versions the flags
	// are:
	//   FlagDst
	//   FlagInterface
	ipv4Flags = ipv4.FlagDst | ipv4.FlagInterface
	ipv6Flags = ipv6.FlagDst | ipv6.FlagInterface
)

var oobSize int

func init() {
	oobSize = getOOBSize()
}

// OOBSize returns the buffer size needed to receive the destination control message.
func OOBSize() int { return oobSize }

// Read reads one datagram, dst is the local address it was sent to when the
// connection has control messages enabled, nil otherwise.
func Read(c *net.UDPConn, buf, oob []byte) (n int, remoteAddr *net.UDPAddr, dst net.IP, err error) {
	var oobn int
	n, oobn, _, remoteAddr, err = c.ReadMsgUDP(buf, oob)
	if err != nil {
		return -1, nil, nil, err
	}

	if oobn > 0 {
		dst = ParseDstFromOOB(oob[:oobn])
	}

	return n, remoteAddr, dst, nil
}

// Write sends b to remote, using src as source address when it is not nil.
func Write(c *net.UDPConn, b []byte, remote *net.UDPAddr, src net.IP) (int, error) {
	if src == nil {
		return c.WriteToUDP(b, remote)
	}
	n, _, err := c.WriteMsgUDP(b, GetOOBWithSrc(src), remote)
	return n, err
}

// SetControlMessage asks for the destination address of every received
// datagram. A dual-stack socket gets both families, failing only when neither
// can be enabled.
func SetControlMessage(conn *net.UDPConn) error {

	err4 := ipv4.NewPacketConn(conn).SetControlMessage(ipv4Flags, true)
	err6 := ipv6.NewPacketConn(conn).SetControlMessage(ipv6Flags, true)
	if err4 != nil && err6 != nil {
		return errors.Wrapf(err6, "ipv4 [%v], ipv6", err4)
	}

	return nil
}

// getOOBSize returns maximum size of the received OOB data.
func getOOBSize() (oobSize int) {
	l4, l6 := len(ipv4.NewControlMessage(ipv4Flags)), len(ipv6.NewControlMessage(ipv6Flags))

	if l4 >= l6 {
		return l4
	}

	return l6
}

// GetOOBWithSrc makes the OOB data with a specified source IP.
func GetOOBWithSrc(ip net.IP) []byte {
	if ip4 := ip.To4(); ip4 != nil {
		return (&ipv4.ControlMessage{Src: ip}).Marshal()
	}

	return (&ipv6.ControlMessage{Src: ip}).Marshal()
}

// ParseDstFromOOB extracts the destination address of a received datagram.
func ParseDstFromOOB(oob []byte) net.IP {
	cm6 := new(ipv6.ControlMessage)
	if cm6.Parse(oob) == nil && cm6.Dst != nil {
		return cm6.Dst
	}

	cm4 := new(ipv4.ControlMessage)
	if cm4.Parse(oob) == nil && cm4.Dst != nil {
		return cm4.Dst
	}

	return nil
}

// SplitList splits a comma separated list, blank items are dropped.
func SplitList(raw string) []string {
	var items []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); len(item) > 0 {
			items = append(items, item)
		}
	}
	return items
}

// ParseUpstream normalizes an upstream resolver to host:port, port 53 is used
// when none is given.
func ParseUpstream(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if len(raw) == 0 {
		return "", errors.New("empty upstream address")
	}

	if ip := net.ParseIP(strings.Trim(raw, "[]")); ip != nil {
		return net.JoinHostPort(ip.String(), DefaultDNSPort), nil
	}

	host, port, err := net.SplitHostPort(raw)
	if err != nil {
		return "", errors.Wrapf(err, "invalid upstream address %q", raw)
	}

	if ip := net.ParseIP(host); ip == nil {
		return "", errors.Errorf("upstream %q is not an ip address", raw)
	}

	if len(port) == 0 {
		port = DefaultDNSPort
	} else if n, err := strconv.ParseUint(port, 10, 16); err != nil || n == 0 {
		return "", errors.Errorf("upstream %q has an invalid port", raw)
	}

	return net.JoinHostPort(host, port), nil
}

// ParseUpstreams normalizes every address and drops duplicates, keeping the
// first occurrence so the configured order is preserved.
func ParseUpstreams(raws []string) ([]string, error) {
	var hostMap = make(map[string]struct{}, len(raws))
	var addrs = make([]string, 0, len(raws))
	for _, raw := range raws {
		addr, err := ParseUpstream(raw)
		if err != nil {
			return nil, err
		}

		if _, ok := hostMap[addr]; ok {
			continue
		}
		hostMap[addr] = struct{}{}

		addrs = append(addrs, addr)
	}

	return addrs, nil
}
