package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/proxy"
	"h12.io/socks"
)

// Dialer produces a connected TCP stream to a remote address, either
// directly or tunneled through a configured proxy. Hostname resolution
// of the remote happens on the proxy side for all proxied modes.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewDialer maps a proxy URL (scheme http, socks4 or socks5) to a
// Dialer. An empty URL yields a plain TCP dialer. The timeout bounds
// both the proxy handshake and the upstream connect.
func NewDialer(proxyUrl string, timeout time.Duration) (Dialer, error) {
	netDialer := &net.Dialer{Timeout: timeout}
	if proxyUrl == "" {
		return netDialer, nil
	}

	parsed, err := url.Parse(proxyUrl)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy url: %w", err)
	}

	switch parsed.Scheme {
	case "http":
		return newHttpConnectDialer(parsed, netDialer), nil
	case "socks4":
		return newSocks4Dialer(parsed, timeout), nil
	case "socks5":
		return newSocks5Dialer(parsed, netDialer)
	default:
		return nil, fmt.Errorf("unsupported proxy scheme: %s", parsed.Scheme)
	}
}

func proxyAddr(u *url.URL, defaultPort string) string {
	port := u.Port()
	if port == "" {
		port = defaultPort
	}
	return net.JoinHostPort(u.Hostname(), port)
}

func newSocks5Dialer(u *url.URL, forward *net.Dialer) (Dialer, error) {
	var auth *proxy.Auth
	if user := u.User; user != nil {
		password, _ := user.Password()
		auth = &proxy.Auth{User: user.Username(), Password: password}
	}
	socksDialer, err := proxy.SOCKS5("tcp", proxyAddr(u, "1080"), auth, forward)
	if err != nil {
		return nil, fmt.Errorf("failed to create socks5 dialer: %w", err)
	}
	contextDialer, ok := socksDialer.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("socks5 dialer does not implement proxy.ContextDialer")
	}
	return contextDialer, nil
}

// socks4Dialer dials through h12.io/socks in 4a mode, so the remote
// hostname is resolved by the proxy.
type socks4Dialer struct {
	dial func(network, addr string) (net.Conn, error)
}

func newSocks4Dialer(u *url.URL, timeout time.Duration) Dialer {
	uri := fmt.Sprintf("socks4a://%s?timeout=%s", proxyAddr(u, "1080"), timeout)
	if user := u.User; user != nil && user.Username() != "" {
		uri = fmt.Sprintf("socks4a://%s@%s?timeout=%s", user.Username(), proxyAddr(u, "1080"), timeout)
	}
	return &socks4Dialer{dial: socks.Dial(uri)}
}

func (d *socks4Dialer) DialContext(_ context.Context, network, addr string) (net.Conn, error) {
	return d.dial(network, addr)
}

// httpConnectDialer opens a CONNECT tunnel through an HTTP proxy.
type httpConnectDialer struct {
	addr    string
	user    *url.Userinfo
	forward *net.Dialer
}

func newHttpConnectDialer(u *url.URL, forward *net.Dialer) Dialer {
	return &httpConnectDialer{
		addr:    proxyAddr(u, "3128"),
		user:    u.User,
		forward: forward,
	}
}

func (d *httpConnectDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	conn, err := d.forward.DialContext(ctx, network, d.addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial http proxy %s: %w", d.addr, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else if d.forward.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(d.forward.Timeout))
	}

	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", addr, addr)
	if d.user != nil {
		password, _ := d.user.Password()
		creds := base64.StdEncoding.EncodeToString([]byte(d.user.Username() + ":" + password))
		req += fmt.Sprintf("Proxy-Authorization: Basic %s\r\n", creds)
	}
	req += "\r\n"

	if _, err := conn.Write([]byte(req)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send CONNECT to %s: %w", d.addr, err)
	}

	br := bufio.NewReader(conn)
	res, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read CONNECT response from %s: %w", d.addr, err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("http proxy %s refused CONNECT: %s", d.addr, res.Status)
	}

	_ = conn.SetDeadline(time.Time{})

	// the proxy may coalesce its response with the first upstream bytes,
	// anything the reader buffered past the response belongs to the tunnel
	if n := br.Buffered(); n > 0 {
		leftover, _ := br.Peek(n)
		return &bufferedConn{
			Conn:   conn,
			reader: io.MultiReader(bytes.NewReader(append([]byte(nil), leftover...)), conn),
		}, nil
	}
	return conn, nil
}

// bufferedConn replays bytes read ahead of the tunnel before handing
// reads back to the underlying connection.
type bufferedConn struct {
	net.Conn
	reader io.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.reader.Read(p)
}
