package util

import (
	"net"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseUpstream(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{name: "ipv4 without port", raw: "8.8.8.8", want: "8.8.8.8:53"},
		{name: "ipv4 with port", raw: " 1.1.1.1:5353 ", want: "1.1.1.1:5353"},
		{name: "ipv4 empty port", raw: "1.0.0.1:", want: "1.0.0.1:53"},
		{name: "ipv6 without port", raw: "2001:4860:4860::8888", want: "[2001:4860:4860::8888]:53"},
		{name: "ipv6 bracketed", raw: "[::1]", want: "[::1]:53"},
		{name: "ipv6 with port", raw: "[::1]:5300", want: "[::1]:5300"},
		{name: "empty", raw: "  ", wantErr: true},
		{name: "hostname", raw: "dns.google:53", wantErr: true},
		{name: "bad port", raw: "8.8.8.8:dns", wantErr: true},
		{name: "zero port", raw: "8.8.8.8:0", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseUpstream(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestParseUpstreamsKeepsOrder(t *testing.T) {
	got, err := ParseUpstreams([]string{"8.8.8.8", "1.1.1.1:53", "8.8.8.8:53", "8.8.4.4"})
	require.NoError(t, err)
	require.Equal(t, []string{"8.8.8.8:53", "1.1.1.1:53", "8.8.4.4:53"}, got)

	_, err = ParseUpstreams([]string{"8.8.8.8", "nope"})
	require.Error(t, err)
}

func TestSplitList(t *testing.T) {
	require.Equal(t, []string{"8.8.8.8", "8.8.4.4", "1.1.1.1"}, SplitList(" 8.8.8.8,8.8.4.4 , ,1.1.1.1,"))
	require.Empty(t, SplitList(""))
}

func TestOOBWithSrc(t *testing.T) {
	require.Greater(t, OOBSize(), 0)
	require.NotEmpty(t, GetOOBWithSrc(net.IPv4(127, 0, 0, 1)))
	require.NotEmpty(t, GetOOBWithSrc(net.IPv6loopback))
}

func TestReadWriteWithControlMessage(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("destination control messages are only asserted on linux")
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, SetControlMessage(conn))

	port := conn.LocalAddr().(*net.UDPAddr).Port
	client, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	buf, oob := make([]byte, 64), make([]byte, OOBSize())
	n, remote, dst, err := Read(conn, buf, oob)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf[:n]))
	require.True(t, dst.Equal(net.IPv4(127, 0, 0, 1)), "dst %s", dst)

	_, err = Write(conn, []byte("pong"), remote, dst)
	require.NoError(t, err)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(time.Second)))
	n, err = client.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "pong", string(buf[:n]))
}
