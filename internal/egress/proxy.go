package egress

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/enclave/internal/domain"
	"github.com/jkaninda/enclave/internal/policy"
)

const (
	proxyDialTimeout = 10 * time.Second

	// hostResolver tags DNS decisions made by the proxy: names resolve on
	// the host during the upstream dial, never inside the guest.
	hostResolver = "host"
)

// session binds one sandbox's identity and network policy to its proxy
// credential.
type session struct {
	sandboxID uuid.UUID
	requester domain.Identity
	policy    domain.NetworkPolicy
}

// Proxy is the enforcement listener guests are pointed at. All outbound
// traffic from a sandbox carries a per-sandbox credential in the proxy
// URL, so one shared listener attributes every connection to the right
// sandbox and consults the Controller before any upstream dial. Guests
// have no direct network path; the proxy env injected at spawn is the
// only route out.
type Proxy struct {
	controller *Controller
	logger     *slog.Logger

	listener net.Listener
	server   *http.Server

	mu        sync.Mutex
	sessions  map[string]*session  // Keyed by credential token.
	bySandbox map[uuid.UUID]string // Sandbox id to its live token.
}

// NewProxy creates an enforcement proxy over the controller.
func NewProxy(controller *Controller, logger *slog.Logger) *Proxy {
	return &Proxy{
		controller: controller,
		logger:     logger,
		sessions:   make(map[string]*session),
		bySandbox:  make(map[uuid.UUID]string),
	}
}

// Start binds the listener. An empty addr binds a loopback port chosen by
// the kernel.
func (p *Proxy) Start(addr string) error {
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding egress proxy on %s: %w", addr, err)
	}
	p.listener = ln
	p.server = &http.Server{
		Handler:           p,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := p.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			p.logger.Error("egress proxy serve failed", slog.String("error", err.Error()))
		}
	}()
	p.logger.Info("egress proxy listening", slog.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound listen address. Empty before Start.
func (p *Proxy) Addr() string {
	if p.listener == nil {
		return ""
	}
	return p.listener.Addr().String()
}

// Stop shuts the listener down and drops all sessions.
func (p *Proxy) Stop(ctx context.Context) error {
	if p.server == nil {
		return nil
	}
	p.mu.Lock()
	p.sessions = make(map[string]*session)
	p.bySandbox = make(map[uuid.UUID]string)
	p.mu.Unlock()
	return p.server.Shutdown(ctx)
}

// Attach registers a sandbox and returns the proxy environment to inject
// into its guest. Re-attaching the same sandbox (a warm pool claim hands
// the member to a new requester) replaces the previous session, so the
// old credential stops working the moment the new occupant owns the
// sandbox.
func (p *Proxy) Attach(sandboxID uuid.UUID, requester domain.Identity, pol domain.NetworkPolicy) map[string]string {
	token := newToken()
	p.mu.Lock()
	if old, ok := p.bySandbox[sandboxID]; ok {
		delete(p.sessions, old)
	}
	p.sessions[token] = &session{sandboxID: sandboxID, requester: requester, policy: pol}
	p.bySandbox[sandboxID] = token
	p.mu.Unlock()

	proxyURL := (&url.URL{Scheme: "http", User: url.User(token), Host: p.Addr()}).String()
	return map[string]string{
		"HTTP_PROXY":  proxyURL,
		"HTTPS_PROXY": proxyURL,
		"http_proxy":  proxyURL,
		"https_proxy": proxyURL,
		"NO_PROXY":    "",
	}
}

// Detach revokes a sandbox's proxy credential and cached decisions.
func (p *Proxy) Detach(sandboxID uuid.UUID) {
	p.mu.Lock()
	if token, ok := p.bySandbox[sandboxID]; ok {
		delete(p.sessions, token)
		delete(p.bySandbox, sandboxID)
	}
	p.mu.Unlock()
	p.controller.InvalidateSandbox(sandboxID)
}

func newToken() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b[:])
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sess := p.authenticate(r)
	if sess == nil {
		w.Header().Set("Proxy-Authenticate", `Basic realm="egress"`)
		http.Error(w, "proxy credential required", http.StatusProxyAuthRequired)
		return
	}

	dst, err := requestDestination(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if dst.Domain != "" && sess.policy.DNS != nil {
		if d := p.controller.AuthorizeDNS(r.Context(), sess.sandboxID, sess.requester, *sess.policy.DNS, dst.Domain, hostResolver); d != policy.Allow {
			http.Error(w, "dns resolution denied by policy", http.StatusForbidden)
			return
		}
	}
	if d := p.controller.Authorize(r.Context(), sess.sandboxID, sess.requester, sess.policy, dst); d != policy.Allow {
		http.Error(w, "egress denied by policy", http.StatusForbidden)
		return
	}

	if r.Method == http.MethodConnect {
		p.tunnel(w, r)
		return
	}
	p.forward(w, r)
}

// authenticate maps the request's proxy credential to its session. The
// token rides in Proxy-Authorization as the basic-auth username.
func (p *Proxy) authenticate(r *http.Request) *session {
	auth := r.Header.Get("Proxy-Authorization")
	const prefix = "Basic "
	if !strings.HasPrefix(auth, prefix) {
		return nil
	}
	raw, err := base64.StdEncoding.DecodeString(auth[len(prefix):])
	if err != nil {
		return nil
	}
	token, _, _ := strings.Cut(string(raw), ":")
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions[token]
}

// requestDestination extracts the connection target: CONNECT carries
// host:port in the request target, plain requests carry an absolute URL.
func requestDestination(r *http.Request) (Destination, error) {
	host := r.Host
	defaultPort := 80
	if r.Method == http.MethodConnect {
		defaultPort = 443
	} else if r.URL.Scheme == "https" {
		defaultPort = 443
	}

	h, portStr, err := net.SplitHostPort(host)
	if err != nil {
		h, portStr = host, ""
	}
	port := defaultPort
	if portStr != "" {
		port, err = strconv.Atoi(portStr)
		if err != nil {
			return Destination{}, fmt.Errorf("bad destination port %q", portStr)
		}
	}
	if h == "" {
		return Destination{}, fmt.Errorf("request has no destination host")
	}
	if ip := net.ParseIP(h); ip != nil {
		return Destination{IP: ip, Port: port}, nil
	}
	return Destination{Domain: h, Port: port}, nil
}

// tunnel serves CONNECT: dial upstream, acknowledge, then splice bytes in
// both directions until either side closes.
func (p *Proxy) tunnel(w http.ResponseWriter, r *http.Request) {
	upstream, err := net.DialTimeout("tcp", r.Host, proxyDialTimeout)
	if err != nil {
		http.Error(w, "upstream unreachable", http.StatusBadGateway)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		upstream.Close()
		http.Error(w, "connection cannot be hijacked", http.StatusInternalServerError)
		return
	}
	client, _, err := hj.Hijack()
	if err != nil {
		upstream.Close()
		return
	}
	fmt.Fprint(client, "HTTP/1.1 200 Connection Established\r\n\r\n")

	go func() {
		defer client.Close()
		defer upstream.Close()
		io.Copy(upstream, client)
	}()
	go func() {
		defer client.Close()
		defer upstream.Close()
		io.Copy(client, upstream)
	}()
}

// forward serves plain HTTP proxying for non-CONNECT requests.
func (p *Proxy) forward(w http.ResponseWriter, r *http.Request) {
	out := r.Clone(r.Context())
	out.RequestURI = ""
	out.Header.Del("Proxy-Authorization")
	out.Header.Del("Proxy-Connection")

	resp, err := http.DefaultTransport.RoundTrip(out)
	if err != nil {
		http.Error(w, "upstream unreachable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for k, vals := range resp.Header {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}
