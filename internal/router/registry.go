// Package router provides a small route registry that records, wires and
// prints the HTTP surface the front-end listener exposes.
package router

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/pterm/pterm"

	"github.com/relaycore/relay/internal/logger"
)

// RouteInfo is a single registered route, carrying enough metadata to
// middleware-wrap it differently from a proxy route and to print it in
// registration order.
type RouteInfo struct {
	Handler     http.HandlerFunc
	Description string
	Method      string
	Order       int
	IsProxy     bool
}

// RouteRegistry collects routes before a single WireUp call hands them to a
// http.ServeMux, so registration order can drive a human-readable startup
// table independent of map iteration order.
type RouteRegistry struct {
	routes   map[string]RouteInfo
	logger   *logger.StyledLogger
	orderSeq int
}

// NewRouteRegistry returns an empty registry that logs through log.
func NewRouteRegistry(log *logger.StyledLogger) *RouteRegistry {
	return &RouteRegistry{
		routes: make(map[string]RouteInfo),
		logger: log,
	}
}

// Register adds a GET route.
func (r *RouteRegistry) Register(route string, handler http.HandlerFunc, description string) {
	r.RegisterWithMethod(route, handler, description, http.MethodGet)
}

// RegisterWithMethod adds a route for a specific method.
func (r *RouteRegistry) RegisterWithMethod(route string, handler http.HandlerFunc, description, method string) {
	r.registerWithMethod(route, handler, description, method, false)
}

// RegisterProxyRoute adds a route flagged as proxy traffic, so
// WireUpWithMiddleware can apply the rate limiter and size limiter to it.
func (r *RouteRegistry) RegisterProxyRoute(route string, handler http.HandlerFunc, description, method string) {
	r.registerWithMethod(route, handler, description, method, true)
}

func (r *RouteRegistry) registerWithMethod(route string, handler http.HandlerFunc, description, method string, isProxy bool) {
	r.routes[route] = RouteInfo{
		Handler:     handler,
		Description: description,
		Method:      method,
		Order:       r.orderSeq,
		IsProxy:     isProxy,
	}
	r.orderSeq++
}

// WireUp registers every route with mux unmodified and prints the startup
// table.
func (r *RouteRegistry) WireUp(mux *http.ServeMux) {
	for route, info := range r.routes {
		mux.HandleFunc(route, info.Handler)
	}
	r.logRoutesTable()
}

// Middleware is satisfied by any component exposing a single
// http.Handler-wrapping Middleware method - the rate limiter, the request
// size limiter.
type Middleware interface {
	Middleware(http.Handler) http.Handler
}

// WireUpWithMiddleware registers every route, wrapping proxy routes in
// rateLimiter then sizeLimiter (in that order, cheapest rejection first) and
// leaving non-proxy routes (health, metrics) unwrapped. Either limiter may be
// nil to skip that layer.
func (r *RouteRegistry) WireUpWithMiddleware(mux *http.ServeMux, sizeLimiter, rateLimiter Middleware) {
	for route, info := range r.routes {
		var handler http.Handler = info.Handler

		if info.IsProxy {
			if sizeLimiter != nil {
				handler = sizeLimiter.Middleware(handler)
			}
			if rateLimiter != nil {
				handler = rateLimiter.Middleware(handler)
			}
		}
		mux.Handle(route, handler)
	}
	r.logRoutesTable()
}

func (r *RouteRegistry) logRoutesTable() {
	if len(r.routes) == 0 {
		return
	}

	type routeEntry struct {
		path   string
		method string
		desc   string
		order  int
	}

	entries := make([]routeEntry, 0, len(r.routes))
	for route, info := range r.routes {
		entries = append(entries, routeEntry{
			path:   route,
			method: info.Method,
			desc:   info.Description,
			order:  info.Order,
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].order < entries[j].order
	})

	tableData := [][]string{
		{"ROUTE", "METHOD", "DESCRIPTION"},
	}
	for _, entry := range entries {
		tableData = append(tableData, []string{entry.path, entry.method, entry.desc})
	}

	if r.logger != nil {
		r.logger.Info("Registered web routes", "count", len(entries))
	}
	tableString, _ := pterm.DefaultTable.WithHasHeader().WithData(tableData).Srender()
	fmt.Print(tableString)
}

// GetRoutes returns the registered routes, keyed by path.
func (r *RouteRegistry) GetRoutes() map[string]RouteInfo {
	return r.routes
}
