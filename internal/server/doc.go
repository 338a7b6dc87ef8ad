// Package server hosts the Fiber HTTP service: the middleware chain (recover,
// request IDs, CORS), the origin registry that maps local path prefixes onto
// upstream base URLs, and the shared upstream HTTP client. The proxy package
// plugs in through ProxyHandler; diagnostics routes are registered by
// server/routes on the same app.
package server
