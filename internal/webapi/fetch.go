package webapi

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http2"

	"github.com/cryguy/edgeruntime/internal/core"
	"github.com/cryguy/edgeruntime/internal/eventloop"
)

// ForbiddenFetchHeaders is the blocklist of headers that workers cannot set.
var ForbiddenFetchHeaders = map[string]bool{
	"host":                true,
	"transfer-encoding":   true,
	"connection":          true,
	"keep-alive":          true,
	"upgrade":             true,
	"proxy-authorization": true,
	"proxy-connection":    true,
	"te":                  true,
	"trailer":             true,
}

// FetchConfig controls the outbound fetch() of one worker.
type FetchConfig struct {
	// NetAccessDisabled rejects every fetch with PermissionDenied.
	NetAccessDisabled bool
	// BlockPrivateNetwork refuses loopback, link-local and private targets,
	// checked again after DNS resolution.
	BlockPrivateNetwork bool
	Timeout             time.Duration
	MaxResponseBytes    int64
	// RootCAs is the trust store for HTTPS. Nil uses the system pool.
	RootCAs *x509.CertPool
	// Transport overrides the default transport. Used by tests.
	Transport http.RoundTripper
}

func (c FetchConfig) withDefaults() FetchConfig {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxResponseBytes <= 0 {
		c.MaxResponseBytes = 10 << 20
	}
	if c.Transport == nil {
		c.Transport = newTransport(c.BlockPrivateNetwork, c.RootCAs)
	}
	return c
}

func newTransport(blockPrivate bool, roots *x509.CertPool) http.RoundTripper {
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          64,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		TLSClientConfig:       &tls.Config{RootCAs: roots, MinVersion: tls.VersionTLS12},
	}
	if blockPrivate {
		tr.Proxy = nil
		tr.DialContext = ssrfSafeDialContext
	}
	_ = http2.ConfigureTransport(tr)
	return tr
}

// fetchJS defines the global fetch() on top of __fetchStart and __awaitOp.
const fetchJS = `
(function() {
	function collectHeaders(h, out) {
		if (!h) return;
		new Headers(h).forEach(function(v, k) { out[k] = v; });
	}
	globalThis.fetch = function(input, init) {
		var req;
		try {
			req = new Request(input, init);
		} catch (e) {
			return Promise.reject(e);
		}
		var signal = req.signal;
		if (signal && signal.aborted) {
			return Promise.reject(signal.reason || new DOMException('The operation was aborted.', 'AbortError'));
		}
		var headers = {};
		collectHeaders(req.headers, headers);
		var body = req._body === null || req._body === undefined ? '' : __bufferSourceToB64(__bodyBytes(req._body));
		var id;
		try {
			id = __fetchStart(JSON.stringify({
				url: req.url, method: req.method, headers: headers, body: body, redirect: req.redirect
			}));
		} catch (e) {
			return Promise.reject(e);
		}
		if (signal) {
			signal.addEventListener('abort', function() { __fetchAbort(id); });
		}
		return __awaitOp(id).then(function(r) {
			var b = r.body ? __b64ToBuffer(r.body) : null;
			if (r.status === 204 || r.status === 304 || req.method === 'HEAD') b = null;
			var resp = new Response(b, { status: r.status, statusText: r.statusText, headers: r.headers });
			resp.url = r.url;
			resp.redirected = r.redirected;
			return resp;
		}, function(e) {
			if (signal && signal.aborted) throw signal.reason || new DOMException('The operation was aborted.', 'AbortError');
			throw e;
		});
	};
})();
`

type fetchArgs struct {
	URL      string            `json:"url"`
	Method   string            `json:"method"`
	Headers  map[string]string `json:"headers"`
	Body     string            `json:"body"`
	Redirect string            `json:"redirect"`
}

type fetchResult struct {
	Status     int         `json:"status"`
	StatusText string      `json:"statusText"`
	Headers    [][2]string `json:"headers"`
	Body       string      `json:"body"`
	URL        string      `json:"url"`
	Redirected bool        `json:"redirected"`
}

type fetcher struct {
	cfg     FetchConfig
	el      *eventloop.EventLoop
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// Fetch returns a setup step installing fetch() with cfg.
func Fetch(cfg FetchConfig) SetupFunc {
	return func(rt core.JSRuntime, el *eventloop.EventLoop) error {
		f := &fetcher{cfg: cfg.withDefaults(), el: el, cancels: make(map[string]context.CancelFunc)}
		if err := rt.RegisterFunc("__fetchStart", f.start); err != nil {
			return err
		}
		if err := rt.RegisterFunc("__fetchAbort", f.abort); err != nil {
			return err
		}
		return rt.Eval(fetchJS)
	}
}

func (f *fetcher) start(argsJSON string) (string, error) {
	var args fetchArgs
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return "", fmt.Errorf("parsing fetch arguments: %w", err)
	}
	u, err := url.Parse(args.URL)
	if err != nil || u.Host == "" {
		return failedOp(f.el, typeError("Invalid URL: %q", args.URL)), nil
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return failedOp(f.el, typeError("scheme '%s' not supported", u.Scheme)), nil
	}
	if f.cfg.NetAccessDisabled {
		return failedOp(f.el, permissionDenied("Requires net access to %q", u.Host)), nil
	}
	if f.cfg.BlockPrivateNetwork && IsPrivateHostname(args.URL) {
		return failedOp(f.el, permissionDenied("Requires net access to %q", u.Host)), nil
	}

	var body io.Reader
	if args.Body != "" {
		raw, err := base64.StdEncoding.DecodeString(args.Body)
		if err != nil {
			return "", fmt.Errorf("decoding fetch body: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	ctx, cancel := context.WithTimeout(context.Background(), f.cfg.Timeout)
	req, err := http.NewRequestWithContext(ctx, args.Method, u.String(), body)
	if err != nil {
		cancel()
		return failedOp(f.el, typeError("%s", err.Error())), nil
	}
	for k, v := range args.Headers {
		if ForbiddenFetchHeaders[strings.ToLower(k)] {
			continue
		}
		req.Header.Set(k, v)
	}

	client := &http.Client{Transport: f.cfg.Transport, CheckRedirect: f.redirectPolicy(args.Redirect)}
	// The op id is known only after StartOp returns; the goroutine waits
	// for it so the cancel entry is registered before the request runs.
	ready := make(chan string, 1)
	id := f.el.StartOp(func() eventloop.OpResult {
		opID := <-ready
		defer f.forget(opID)
		defer cancel()
		return f.do(client, req)
	})
	f.mu.Lock()
	f.cancels[id] = cancel
	f.mu.Unlock()
	ready <- id
	return id, nil
}

func (f *fetcher) redirectPolicy(mode string) func(*http.Request, []*http.Request) error {
	switch mode {
	case "manual":
		return func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	case "error":
		return func(*http.Request, []*http.Request) error { return errors.New("redirect mode is 'error'") }
	}
	return func(req *http.Request, via []*http.Request) error {
		if len(via) >= 20 {
			return errors.New("too many redirects")
		}
		if f.cfg.BlockPrivateNetwork && IsPrivateHostname(req.URL.String()) {
			return errors.New("redirect to private address is not allowed")
		}
		return nil
	}
}

func (f *fetcher) do(client *http.Client, req *http.Request) eventloop.OpResult {
	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(req.Context().Err(), context.Canceled) {
			return eventloop.OpResult{Err: &jsError{class: "AbortError", msg: "The operation was aborted."}}
		}
		return eventloop.OpResult{Err: typeError("error sending request for url (%s): %v", req.URL, err)}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxResponseBytes+1))
	if err != nil {
		return eventloop.OpResult{Err: typeError("error reading response body: %v", err)}
	}
	if int64(len(data)) > f.cfg.MaxResponseBytes {
		return eventloop.OpResult{Err: typeError("response body exceeds %d bytes", f.cfg.MaxResponseBytes)}
	}

	out := fetchResult{
		Status:     resp.StatusCode,
		StatusText: strings.TrimSpace(strings.TrimPrefix(resp.Status, fmt.Sprint(resp.StatusCode))),
		Body:       base64.StdEncoding.EncodeToString(data),
		URL:        req.URL.String(),
	}
	if resp.Request != nil && resp.Request.URL != nil {
		out.URL = resp.Request.URL.String()
		out.Redirected = out.URL != req.URL.String()
	}
	for k, vals := range resp.Header {
		for _, v := range vals {
			out.Headers = append(out.Headers, [2]string{strings.ToLower(k), v})
		}
	}
	encoded, err := json.Marshal(out)
	if err != nil {
		return eventloop.OpResult{Err: err}
	}
	return eventloop.OpResult{Value: string(encoded)}
}

func (f *fetcher) abort(id string) {
	f.mu.Lock()
	cancel := f.cancels[id]
	f.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (f *fetcher) forget(id string) {
	f.mu.Lock()
	delete(f.cancels, id)
	f.mu.Unlock()
}

// IsPrivateHostname performs a fast, non-resolving pre-check for obviously
// private hostnames and literal IP addresses.
func IsPrivateHostname(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return true
	}
	hostname := u.Hostname()
	if hostname == "" {
		return true
	}
	lower := strings.ToLower(hostname)
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") {
		return true
	}
	if ip := net.ParseIP(hostname); ip != nil {
		return IsPrivateIP(ip)
	}
	return false
}

// ssrfSafeDialContext resolves DNS and validates the resolved IP against
// private ranges at connect time, preventing DNS rebinding.
func ssrfSafeDialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("DNS lookup failed for %s: %w", host, err)
	}
	for _, ip := range ips {
		if !IsPrivateIP(ip.IP) {
			dialer := &net.Dialer{Timeout: 10 * time.Second}
			return dialer.DialContext(ctx, network, net.JoinHostPort(ip.IP.String(), port))
		}
	}
	return nil, fmt.Errorf("connecting to private address %s is not allowed", host)
}

var privateRanges []*net.IPNet

func init() {
	for _, cidr := range []string{
		"0.0.0.0/8", "10.0.0.0/8", "100.64.0.0/10", "127.0.0.0/8",
		"169.254.0.0/16", "172.16.0.0/12", "192.0.0.0/24", "192.0.2.0/24",
		"192.168.0.0/16", "198.18.0.0/15", "198.51.100.0/24", "203.0.113.0/24",
		"240.0.0.0/4",
		"::1/128", "fc00::/7", "fe80::/10",
	} {
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			panic("invalid CIDR: " + cidr)
		}
		privateRanges = append(privateRanges, n)
	}
}

// IsPrivateIP returns true if the IP is in a private, loopback, or link-local range.
func IsPrivateIP(ip net.IP) bool {
	for _, n := range privateRanges {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
