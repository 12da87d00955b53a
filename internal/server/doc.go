// Package server hosts the Fiber HTTP surface of the image cache: request
// registration, blocking image retrieval, cache diagnostics, and the manual
// prune trigger. Handlers stay thin; fingerprinting, dispatch and waiting
// all live in the service package, so the transport can be exercised in
// tests through app.Test without touching the network. Keep exports narrow
// and accept explicit dependencies.
package server
