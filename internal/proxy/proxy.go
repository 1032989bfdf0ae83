// Package proxy provides the host-side egress gateway for bridged
// sandboxes. Containers have no direct route out; everything leaves
// through this proxy, which only forwards to allowlisted hosts. Package
// registries are the intended audience.
package proxy

import (
	"context"
	"crypto/subtle"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultAllowedHosts covers the package registries the supported
// languages install from.
var DefaultAllowedHosts = []string{
	"pypi.org",
	"files.pythonhosted.org",
	"registry.npmjs.org",
}

// EgressProxy is a forward proxy with a host allowlist. It handles both
// CONNECT tunnels (https) and plain proxied HTTP requests.
type EgressProxy struct {
	server  *http.Server
	secret  string // shared secret sandboxes must present to use the proxy
	allowed map[string]struct{}
	addr    string
}

// New creates an EgressProxy listening on host:port. An empty host binds
// loopback; deployments that bridge sandboxes onto a CNI network must bind
// an address those sandboxes can route to, typically the bridge gateway.
// If secret is non-empty, requests must carry it in Proxy-Authorization.
// Hosts are matched exactly, without port.
func New(host string, port int, secret string, allowedHosts []string) *EgressProxy {
	if host == "" {
		host = "127.0.0.1"
	}
	addr := fmt.Sprintf("%s:%d", host, port)
	p := &EgressProxy{
		secret:  secret,
		allowed: make(map[string]struct{}, len(allowedHosts)),
		addr:    addr,
	}
	for _, h := range allowedHosts {
		p.allowed[strings.ToLower(h)] = struct{}{}
	}

	p.server = &http.Server{
		Addr:              addr,
		Handler:           http.HandlerFunc(p.handle),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return p
}

func (p *EgressProxy) handle(w http.ResponseWriter, r *http.Request) {
	if !p.authorized(r) {
		http.Error(w, "proxy authentication required", http.StatusProxyAuthRequired)
		return
	}

	host := r.Host
	if h, _, err := net.SplitHostPort(r.Host); err == nil {
		host = h
	}
	if !p.hostAllowed(host) {
		log.Warn().Str("host", host).Str("method", r.Method).Msg("egress denied")
		http.Error(w, "host not allowed", http.StatusForbidden)
		return
	}

	if r.Method == http.MethodConnect {
		p.tunnel(w, r)
		return
	}
	p.forward(w, r)
}

func (p *EgressProxy) authorized(r *http.Request) bool {
	if p.secret == "" {
		return true
	}
	presented := strings.TrimPrefix(r.Header.Get("Proxy-Authorization"), "Bearer ")
	return subtle.ConstantTimeCompare([]byte(presented), []byte(p.secret)) == 1
}

func (p *EgressProxy) hostAllowed(host string) bool {
	_, ok := p.allowed[strings.ToLower(host)]
	return ok
}

// tunnel splices a CONNECT request straight through to the target.
func (p *EgressProxy) tunnel(w http.ResponseWriter, r *http.Request) {
	upstream, err := net.DialTimeout("tcp", r.Host, 10*time.Second)
	if err != nil {
		http.Error(w, "upstream unreachable", http.StatusBadGateway)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		upstream.Close()
		http.Error(w, "tunneling unsupported", http.StatusInternalServerError)
		return
	}
	client, _, err := hj.Hijack()
	if err != nil {
		upstream.Close()
		return
	}

	fmt.Fprint(client, "HTTP/1.1 200 Connection Established\r\n\r\n")
	go splice(upstream, client)
	go splice(client, upstream)
}

func splice(dst io.WriteCloser, src io.ReadCloser) {
	defer dst.Close()
	defer src.Close()
	io.Copy(dst, src)
}

// forward relays a plain proxied HTTP request.
func (p *EgressProxy) forward(w http.ResponseWriter, r *http.Request) {
	rp := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = "http"
			req.URL.Host = r.Host
			// The sandbox's proxy credential must not travel upstream.
			req.Header.Del("Proxy-Authorization")
		},
	}
	rp.ServeHTTP(w, r)
}

// Start begins listening. The server runs in a background goroutine.
func (p *EgressProxy) Start() error {
	ln, err := net.Listen("tcp", p.addr)
	if err != nil {
		return fmt.Errorf("egress proxy listen: %w", err)
	}
	log.Info().Str("addr", p.addr).Int("allowed_hosts", len(p.allowed)).Msg("egress proxy listening")
	go func() {
		_ = p.server.Serve(ln) // returns on Close/Shutdown
	}()
	return nil
}

// Close gracefully shuts down the proxy.
func (p *EgressProxy) Close(ctx context.Context) error {
	return p.server.Shutdown(ctx)
}

// Addr returns the listen address, for wiring into sandbox environments.
func (p *EgressProxy) Addr() string {
	return p.addr
}
