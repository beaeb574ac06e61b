// Package worker contains the site worker and the host that drives it.
//
// The worker (Handler) reacts to two lifecycle signals. On install it opens
// the named cache and pre-caches the static manifest as a single batch. On
// fetch it answers every request with a live network fetch. The Host plays
// the role a browser plays for a service worker: it delivers the install
// event once, keeps the worker state, and turns each incoming request into a
// fetch event. Requests that arrive before install has settled go straight
// to the network.
package worker
