// Package server hosts the Fiber HTTP service and its request middleware
// chain. It owns panic recovery, request IDs, the health route and the
// catch-all route that hands every asset request to the proxy handler.
// Diagnostics under /-/ are registered separately by the routes package so
// this package stays free of guard, cache and metrics imports. The upstream
// http.Client used for origin fetches is also built here.
package server
