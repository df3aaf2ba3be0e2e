// Package app wires the proxy core, rate limiter and configuration into a
// runnable front-end HTTP listener: one handler per configured origin, a
// health check, and an optional Prometheus metrics endpoint.
package app

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"runtime"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaycore/relay/internal/config"
	"github.com/relaycore/relay/internal/logger"
	"github.com/relaycore/relay/internal/proxycore"
	"github.com/relaycore/relay/internal/ratelimit"
	"github.com/relaycore/relay/internal/router"
	"github.com/relaycore/relay/internal/util"
)

// resolvedOrigin is a configured origin with its BridgeOptions already
// derived from the proxy/header/rewrite/security defaults, so the hot path
// never has to re-derive them per request.
type resolvedOrigin struct {
	name string
	key  proxycore.OriginKey
	opts proxycore.BridgeOptions
}

// Application owns the front-end HTTP server and every proxy-core component
// it dispatches requests through.
type Application struct {
	config *config.Config
	logger *logger.StyledLogger
	server *http.Server

	registry   *router.RouteRegistry
	registerer *prometheus.Registry

	connector *proxycore.Connector
	pool      *proxycore.OriginPool
	bridge    *proxycore.Bridge
	metrics   *proxycore.Metrics
	events    *proxycore.Events

	limiter     *ratelimit.Limiter
	sizeLimiter *RequestSizeLimiter

	origins []resolvedOrigin

	errCh chan error
}

// New builds an Application from cfg without starting the listener.
func New(cfg *config.Config, log *logger.StyledLogger) (*Application, error) {
	trustedCIDRs, err := util.ParseTrustedCIDRs(cfg.Security.TrustedCIDRs)
	if err != nil {
		return nil, fmt.Errorf("app: invalid trusted_cidrs: %w", err)
	}

	rewrite, err := buildRewritePipeline(cfg.Rewrite)
	if err != nil {
		return nil, fmt.Errorf("app: invalid rewrite configuration: %w", err)
	}

	headerPolicy := proxycore.HeaderPolicy{
		ForwardedFor:   proxycore.HeaderBehaviour(cfg.Headers.ForwardedFor),
		ForwardedHost:  proxycore.HeaderBehaviour(cfg.Headers.ForwardedHost),
		ForwardedProto: proxycore.HeaderBehaviour(cfg.Headers.ForwardedProto),
		RealIP:         proxycore.HeaderBehaviour(cfg.Headers.RealIP),
	}

	registerer := prometheus.NewRegistry()
	metrics := proxycore.NewMetrics(registerer)
	events := proxycore.NewEvents()
	connector := proxycore.NewConnector()
	pool := proxycore.NewOriginPool(cfg.Proxy.PoolCapacity, cfg.Proxy.BridgeIdleLifetime)
	pool.AttachMetrics(metrics)
	bridge := proxycore.NewBridge(connector, pool, metrics, events)
	bridge.Logger = log.GetUnderlying()
	bridge.UnderHighLoad = highLoadSampler(cfg.Proxy.HighLoadGoroutineThreshold)

	subscribeEventLogger(context.Background(), events, log)

	origins := make([]resolvedOrigin, 0, len(cfg.Origins))
	for _, o := range cfg.Origins {
		key, err := proxycore.CanonicalOrigin(o.URL)
		if err != nil {
			return nil, fmt.Errorf("app: origin %q: %w", o.Name, err)
		}

		connectTimeout := o.ConnectTimeout
		if connectTimeout <= 0 {
			connectTimeout = cfg.Proxy.ConnectTimeout
		}

		minTLSVersion, err := parseMinTLSVersion(o.MinTLSVersion)
		if err != nil {
			return nil, fmt.Errorf("app: origin %q: %w", o.Name, err)
		}

		origins = append(origins, resolvedOrigin{
			name: o.Name,
			key:  key,
			opts: proxycore.BridgeOptions{
				AcceptAnyCert:               o.AcceptAnyCert,
				ConnectTimeout:              connectTimeout,
				IdleHeaderTimeout:           cfg.Proxy.IdleHeaderTimeout,
				LongReadTimeout:             cfg.Proxy.LongReadTimeout,
				Headers:                     headerPolicy,
				TrustedCIDRs:                trustedCIDRs,
				TrustProxyHeaders:           cfg.Security.TrustProxyHeaders,
				Rewrite:                     rewrite,
				Host:                        o.Host,
				MinTLSVersion:               minTLSVersion,
				AllowGatewayTimeoutResponse: cfg.Proxy.AllowGatewayTimeoutResponse,
				AllowConnectionKeepalive:    cfg.Proxy.AllowConnectionKeepalive,
				IncludeServerTimingHeader:   cfg.Proxy.IncludeServerTimingHeader,
			},
		})
	}

	var limiter *ratelimit.Limiter
	if cfg.Security.RateLimit.Enabled {
		limiter = ratelimit.New(ratelimit.Config{
			RequestsPerSecond: cfg.Security.RateLimit.RequestsPerSecond,
			Burst:             cfg.Security.RateLimit.Burst,
			CleanupInterval:   cfg.Security.RateLimit.CleanupInterval,
			TrustedCIDRs:      trustedCIDRs,
		}, log)
	}

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return &Application{
		config:      cfg,
		logger:      log,
		server:      server,
		registry:    router.NewRouteRegistry(log),
		registerer:  registerer,
		connector:   connector,
		pool:        pool,
		bridge:      bridge,
		metrics:     metrics,
		events:      events,
		limiter:     limiter,
		sizeLimiter: NewRequestSizeLimiter(cfg.Server.RequestLimits, log),
		origins:     origins,
		errCh:       make(chan error, 1),
	}, nil
}

// Start registers routes, wires middleware and begins listening. It returns
// once the listener has been started in the background; asynchronous
// startup failures surface on errCh and are logged, not returned.
func (a *Application) Start(ctx context.Context) error {
	go func() {
		select {
		case err := <-a.errCh:
			a.logger.Error("server startup error", "error", err)
		case <-ctx.Done():
		}
	}()

	mux := http.NewServeMux()
	a.registerRoutes()

	// a.limiter may be a nil *ratelimit.Limiter when rate limiting is
	// disabled; passed directly it would satisfy router.Middleware as a
	// non-nil interface wrapping a nil pointer, so only box it when set.
	var rateLimiter router.Middleware
	if a.limiter != nil {
		rateLimiter = a.limiter
	}
	a.registry.WireUpWithMiddleware(mux, a.sizeLimiter, rateLimiter)
	a.server.Handler = requestLogger(a.logger)(mux)

	go func() {
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("HTTP server error", "error", err)
			a.errCh <- err
		}
	}()

	a.logger.Info("relay started", "bind", a.server.Addr, "origins", len(a.origins))
	return nil
}

// Stop drains in-flight requests (bounded by config.Server.ShutdownTimeout)
// and stops the rate limiter's background cleanup.
func (a *Application) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, a.config.Server.ShutdownTimeout)
	defer cancel()

	if a.limiter != nil {
		a.limiter.Stop()
	}

	if err := a.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("app: HTTP server shutdown error: %w", err)
	}
	return nil
}

// parseMinTLSVersion maps an origin's configured TLS version floor onto the
// tls package's numeric constant. An empty string defaults to TLS 1.0, the
// widest floor, leaving narrowing to the operator.
func parseMinTLSVersion(v string) (uint16, error) {
	switch v {
	case "", "1.0":
		return tls.VersionTLS10, nil
	case "1.1":
		return tls.VersionTLS11, nil
	case "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("unrecognised min_tls_version %q (want one of 1.0, 1.1, 1.2, 1.3)", v)
	}
}

func buildRewritePipeline(cfg config.RewriteConfig) (proxycore.RewritePipeline, error) {
	if !cfg.Enabled {
		return proxycore.RewritePipeline{}, nil
	}

	rules := make([]proxycore.RewriteRule, 0, len(cfg.Patterns))
	for _, p := range cfg.Patterns {
		re, err := regexp.Compile(p.Match)
		if err != nil {
			return proxycore.RewritePipeline{}, fmt.Errorf("rewrite pattern %q: %w", p.Match, err)
		}
		rules = append(rules, proxycore.RewriteRule{Match: re, Replacement: p.Replacement})
	}

	substitutions := make([]proxycore.Substitution, 0, len(cfg.Substitutions))
	for _, s := range cfg.Substitutions {
		substitutions = append(substitutions, proxycore.Substitution{From: s.From, To: s.To})
	}

	return proxycore.RewritePipeline{
		Substitutions: substitutions,
		Rules:         rules,
	}, nil
}

func (a *Application) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

func (a *Application) metricsHandler() http.HandlerFunc {
	h := promhttp.HandlerFor(a.registerer, promhttp.HandlerOpts{})
	return h.ServeHTTP
}

// proxyHandlerFor returns the handler that bridges requests to origin,
// stripping stripPrefix from the request path first when non-empty.
func (a *Application) proxyHandlerFor(origin resolvedOrigin, stripPrefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if stripPrefix != "" {
			r.URL.Path = strings.TrimPrefix(r.URL.Path, stripPrefix)
			if r.URL.Path == "" {
				r.URL.Path = "/"
			}
		}

		if err := proxycore.ProxyRequest(r.Context(), w, r, origin.key, a.bridge, origin.opts); err != nil {
			a.logger.ErrorWithOrigin(proxycore.Humanize(err), origin.key.String(), "error", err, "path", r.URL.Path)

			status, propagate := statusForErr(err, origin.opts.AllowGatewayTimeoutResponse)
			if !propagate {
				// allowGatewayTimeoutResponse is false: abort the connection
				// instead of writing a response. net/http recognises this
				// sentinel panic and closes the connection silently.
				panic(http.ErrAbortHandler)
			}
			http.Error(w, http.StatusText(status), status)
		}
	}
}

// statusForErr maps a proxy-core error's classification onto the response
// status returned to the client when the bridge never committed its own
// response headers. The second return value is false only when the error is
// an upstream connect timeout and allowGatewayTimeoutResponse is disabled,
// telling the caller to abort the connection rather than write a response.
func statusForErr(err error, allowGatewayTimeoutResponse bool) (int, bool) {
	switch proxycore.Classify(context.Background(), err) {
	case proxycore.ErrKindUpstreamConnectTimeout:
		if !allowGatewayTimeoutResponse {
			return 0, false
		}
		return http.StatusGatewayTimeout, true
	case proxycore.ErrKindUpstreamBodyOverLimit:
		return http.StatusBadGateway, true
	case proxycore.ErrKindClientDisconnect, proxycore.ErrKindCancelled:
		return 499, true // client closed request, matching the nginx convention
	default:
		return http.StatusBadGateway, true
	}
}

// highLoadSampler returns a Bridge.UnderHighLoad predicate backed by the
// live goroutine count, a cheap proxy for in-flight request volume. A
// threshold of zero disables the check (always reports not under load).
func highLoadSampler(threshold int) func() bool {
	if threshold <= 0 {
		return func() bool { return false }
	}
	return func() bool {
		return runtime.NumGoroutine() > threshold
	}
}

// subscribeEventLogger wires a background consumer of the proxy core's event
// bus so every notable bridge outcome is also visible as a structured audit
// log line, independent of the per-request access log.
func subscribeEventLogger(ctx context.Context, events *proxycore.Events, log *logger.StyledLogger) {
	ch, _ := events.Subscribe(ctx)
	go func() {
		for ev := range ch {
			attrs := []any{"origin", ev.Origin.String(), "status", ev.StatusCode, "duration", ev.Duration}
			if ev.RequestID != "" {
				attrs = append(attrs, "request_id", ev.RequestID)
			}
			switch ev.Kind {
			case proxycore.EventError:
				log.Error("proxy event: "+string(ev.Kind), append(attrs, "error", ev.Err)...)
			default:
				log.Debug("proxy event: "+string(ev.Kind), attrs...)
			}
		}
	}()
}
