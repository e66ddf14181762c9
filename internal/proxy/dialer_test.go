package proxy

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDialerEmptyUrlIsDirect(t *testing.T) {
	d, err := NewDialer("", 5*time.Second)
	require.NoError(t, err)

	netDialer, ok := d.(*net.Dialer)
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, netDialer.Timeout)
}

func TestNewDialerSchemes(t *testing.T) {
	for _, scheme := range []string{"http", "socks4", "socks5"} {
		d, err := NewDialer(scheme+"://127.0.0.1:9999", time.Second)
		require.NoError(t, err, scheme)
		assert.NotNil(t, d, scheme)
	}
}

func TestNewDialerUnsupportedScheme(t *testing.T) {
	_, err := NewDialer("ftp://127.0.0.1:21", time.Second)
	assert.ErrorContains(t, err, "unsupported proxy scheme")
}

func TestProxyAddrDefaults(t *testing.T) {
	d, err := NewDialer("http://proxy.example.com", time.Second)
	require.NoError(t, err)
	httpDialer, ok := d.(*httpConnectDialer)
	require.True(t, ok)
	assert.Equal(t, "proxy.example.com:3128", httpDialer.addr)

	d, err = NewDialer("http://proxy.example.com:8080", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "proxy.example.com:8080", d.(*httpConnectDialer).addr)
}

func TestDirectDial(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	d, err := NewDialer("", time.Second)
	require.NoError(t, err)
	conn, err := d.DialContext(context.Background(), "tcp", ln.Addr().String())
	require.NoError(t, err)
	conn.Close()
}

// fakeConnectProxy accepts one connection, verifies the CONNECT request
// and bridges the client to an echo endpoint.
func fakeConnectProxy(t *testing.T, expectAuth string, respond string) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		req, err := http.ReadRequest(bufio.NewReader(conn))
		if err != nil {
			return
		}
		if req.Method != http.MethodConnect {
			return
		}
		if expectAuth != "" && req.Header.Get("Proxy-Authorization") != expectAuth {
			_, _ = io.WriteString(conn, "HTTP/1.1 407 Proxy Authentication Required\r\n\r\n")
			return
		}
		_, _ = io.WriteString(conn, respond)
		if strings.Contains(respond, "200") {
			// echo whatever the client tunnels
			_, _ = io.Copy(conn, conn)
		}
	}()
	return ln
}

func TestHttpConnectDialer(t *testing.T) {
	ln := fakeConnectProxy(t, "", "HTTP/1.1 200 Connection established\r\n\r\n")

	d, err := NewDialer("http://"+ln.Addr().String(), time.Second)
	require.NoError(t, err)

	conn, err := d.DialContext(context.Background(), "tcp", "mx.example.com:25")
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
}

func TestHttpConnectDialerSendsBasicAuth(t *testing.T) {
	// base64("user:pass")
	ln := fakeConnectProxy(t, "Basic dXNlcjpwYXNz", "HTTP/1.1 200 Connection established\r\n\r\n")

	d, err := NewDialer("http://user:pass@"+ln.Addr().String(), time.Second)
	require.NoError(t, err)

	conn, err := d.DialContext(context.Background(), "tcp", "mx.example.com:25")
	require.NoError(t, err)
	conn.Close()
}

func TestHttpConnectDialerCoalescedResponse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		if _, err := http.ReadRequest(bufio.NewReader(conn)); err != nil {
			return
		}
		// response and upstream greeting arrive in one segment
		_, _ = io.WriteString(conn,
			"HTTP/1.1 200 Connection established\r\n\r\n220 mx.example.com ESMTP ready\r\n")
		_, _ = io.Copy(conn, conn)
	}()

	d, err := NewDialer("http://"+ln.Addr().String(), time.Second)
	require.NoError(t, err)

	conn, err := d.DialContext(context.Background(), "tcp", "mx.example.com:25")
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))

	banner, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "220 mx.example.com ESMTP ready\r\n", banner)

	// reads past the replayed bytes come from the live connection
	_, err = conn.Write([]byte("EHLO"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "EHLO", string(buf))
}

func TestHttpConnectDialerRefused(t *testing.T) {
	ln := fakeConnectProxy(t, "", "HTTP/1.1 403 Forbidden\r\n\r\n")

	d, err := NewDialer("http://"+ln.Addr().String(), time.Second)
	require.NoError(t, err)

	_, err = d.DialContext(context.Background(), "tcp", "mx.example.com:25")
	assert.ErrorContains(t, err, "refused CONNECT")
}

func TestHttpConnectDialerProxyDown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	d, err := NewDialer("http://"+addr, 500*time.Millisecond)
	require.NoError(t, err)

	_, err = d.DialContext(context.Background(), "tcp", "mx.example.com:25")
	assert.Error(t, err)
}
