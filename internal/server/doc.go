// Package server hosts the Fiber HTTP front door: the recover and request-id
// middleware chain plus the catch-all route that hands every non-local request
// to a ProxyHandler. Diagnostics under /-/ and other local paths fall through
// to routes registered by the routes package.
package server
