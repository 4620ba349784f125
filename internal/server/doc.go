// Package server hosts the Fiber HTTP service: the request middleware chain,
// the Host → site registry built from config, and the origin HTTP client
// shared by the network fetchers. Requests under DiagnosticsPrefix never reach
// a site; everything else is dispatched by Host to the ProxyHandler. Package
// server/routes plugs into AppOptions.Diagnostics; keep exports narrow and
// accept explicit dependencies.
package server
