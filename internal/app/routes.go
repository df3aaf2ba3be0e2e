package app

import "fmt"

// registerRoutes wires the health check, optional metrics endpoint and one
// proxy route per configured origin: mounted at "/" when there is exactly
// one origin, otherwise at "/<name>/" with the prefix stripped before the
// request reaches the bridge.
func (a *Application) registerRoutes() {
	a.registry.Register("/healthz", a.healthHandler, "Health check endpoint")

	if a.config.Telemetry.MetricsEnabled {
		a.registry.Register(a.config.Telemetry.MetricsPath, a.metricsHandler(), "Prometheus metrics endpoint")
	}

	if len(a.origins) == 1 {
		o := a.origins[0]
		a.registry.RegisterProxyRoute("/", a.proxyHandlerFor(o, ""), fmt.Sprintf("Reverse proxy to %s", o.key), "ANY")
		return
	}

	for _, o := range a.origins {
		prefix := "/" + o.name + "/"
		a.registry.RegisterProxyRoute(prefix, a.proxyHandlerFor(o, prefix[:len(prefix)-1]), fmt.Sprintf("Reverse proxy to %s", o.key), "ANY")
	}
}
