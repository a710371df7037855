// Package server hosts the Fiber HTTP service that stands in for the browser's
// fetch interception point. Every request gets a request ID, its Host header is
// resolved against the HostRegistry (the storefront origin or a pass-through
// host), and the resolved route is handed to an injected ProxyHandler.
// Diagnostics under /-/ bypass host resolution and are registered by the
// routes subpackage.
package server
