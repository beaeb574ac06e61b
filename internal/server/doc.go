// Package server hosts the Fiber HTTP service that stands in front of the
// origin. Every non-diagnostic request becomes a fetch event for the worker;
// the middleware chain attaches request IDs and panic recovery, and the
// OriginRoute built from config carries the origin/proxy/port data that proxy
// handlers need. Diagnostics live under /-/ and are registered by the routes
// subpackage, so keep exports narrow and accept explicit dependencies.
package server
