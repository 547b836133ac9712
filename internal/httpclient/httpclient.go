// Package httpclient builds the outbound http.Client instances used by every
// component that talks to the upstream provider, the control plane or an
// OAuth refresh endpoint. It is the only place raw sockets get opened.
package httpclient

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/http2"
	"golang.org/x/net/proxy"

	"github.com/kiro-gateway/gateway/internal/sharedproxy"
)

// Backend selects the TLS implementation a built client dials with.
type Backend string

const (
	// BackendRustls uses Go's standard crypto/tls stack.
	BackendRustls Backend = "rustls"
	// BackendNative mimics a real browser's TLS ClientHello via uTLS, for
	// upstreams that fingerprint the handshake.
	BackendNative Backend = "native"
)

// Build constructs an *http.Client configured with the given proxy (nil for
// direct connections), request timeout and TLS backend. It is a pure
// function: no component may reach around it to open its own transport.
func Build(proxy *sharedproxy.Config, timeout time.Duration, backend Backend) (*http.Client, error) {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}

	if backend == BackendNative {
		transport.DialTLSContext = dialTLSFunc(proxy)
	} else {
		if proxy != nil {
			dial, err := proxyDialer(proxy, false)
			if err != nil {
				return nil, err
			}
			transport.DialContext = dial
		}
	}

	if err := http2.ConfigureTransport(transport); err != nil {
		return nil, fmt.Errorf("httpclient: configure http2: %w", err)
	}

	return &http.Client{Transport: transport, Timeout: timeout}, nil
}

func dialTLSFunc(pcfg *sharedproxy.Config) func(ctx context.Context, network, addr string) (net.Conn, error) {
	if pcfg == nil {
		return func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, _, err := net.SplitHostPort(addr)
			if err != nil {
				host = addr
			}
			rawConn, err := (&net.Dialer{}).DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			return utlsHandshake(ctx, rawConn, host)
		}
	}
	dial, _ := proxyDialer(pcfg, true)
	return dial
}

func utlsHandshake(ctx context.Context, rawConn net.Conn, serverName string) (net.Conn, error) {
	tlsConn := utls.UClient(rawConn, &utls.Config{
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
	}, utls.HelloChrome_Auto)

	if err := tlsConn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		return nil, fmt.Errorf("httpclient: utls handshake for %s: %w", serverName, err)
	}
	return tlsConn, nil
}

// proxyDialer returns a dial function that tunnels through cfg. When
// useUTLS is true the far end of the tunnel is wrapped with a uTLS
// handshake (BackendNative); otherwise the raw tunnel is returned for the
// standard library's own TLS layer to wrap (BackendRustls).
func proxyDialer(cfg *sharedproxy.Config, useUTLS bool) (func(ctx context.Context, network, addr string) (net.Conn, error), error) {
	switch cfg.Type {
	case "socks5":
		return socks5Dialer(cfg, useUTLS), nil
	case "http", "https", "":
		return httpConnectDialer(cfg, useUTLS), nil
	default:
		return nil, fmt.Errorf("httpclient: unsupported proxy type %q", cfg.Type)
	}
}

func socks5Dialer(cfg *sharedproxy.Config, useUTLS bool) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		proxyAddr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

		var auth *proxy.Auth
		if cfg.Username != "" {
			auth = &proxy.Auth{User: cfg.Username, Password: cfg.Password}
		}

		dialer, err := proxy.SOCKS5("tcp", proxyAddr, auth, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("httpclient: socks5 dialer: %w", err)
		}

		rawConn, err := dialer.Dial(network, addr)
		if err != nil {
			return nil, fmt.Errorf("httpclient: socks5 dial: %w", err)
		}

		if !useUTLS {
			return rawConn, nil
		}
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			rawConn.Close()
			return nil, err
		}
		return utlsHandshake(ctx, rawConn, host)
	}
}

func httpConnectDialer(cfg *sharedproxy.Config, useUTLS bool) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		proxyAddr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

		rawConn, err := (&net.Dialer{}).DialContext(ctx, "tcp", proxyAddr)
		if err != nil {
			return nil, fmt.Errorf("httpclient: proxy tcp dial: %w", err)
		}

		connectReq := &http.Request{
			Method: http.MethodConnect,
			URL:    &url.URL{Opaque: addr},
			Host:   addr,
			Header: make(http.Header),
		}
		if cfg.Username != "" {
			cred := base64.StdEncoding.EncodeToString([]byte(cfg.Username + ":" + cfg.Password))
			connectReq.Header.Set("Proxy-Authorization", "Basic "+cred)
		}

		if err := connectReq.Write(rawConn); err != nil {
			rawConn.Close()
			return nil, fmt.Errorf("httpclient: proxy CONNECT write: %w", err)
		}

		resp, err := http.ReadResponse(bufio.NewReader(rawConn), connectReq)
		if err != nil {
			rawConn.Close()
			return nil, fmt.Errorf("httpclient: proxy CONNECT read: %w", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			rawConn.Close()
			return nil, fmt.Errorf("httpclient: proxy CONNECT failed: %s", resp.Status)
		}

		if !useUTLS {
			return rawConn, nil
		}
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			rawConn.Close()
			return nil, err
		}
		return utlsHandshake(ctx, rawConn, host)
	}
}
