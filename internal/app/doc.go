// Package app assembles the gateway's components into a running process:
// a bootstrap phase that loads configuration, initializes logging, and
// wires the repository, pool, cache, aggregator, router, and startup
// orchestrator together, followed by a Run phase that starts the HTTP
// listener and blocks until an interrupt or the context is canceled.
//
// Wiring order follows the request path: repository -> upstream error
// tracker -> pool -> cache -> aggregator (+middleware) -> session table ->
// router -> startup orchestrator. A real deployment supplies its own
// repository.Repository backed by a relational store; Application falls
// back to repository.NewFake for local and development bring-up when no
// repository is injected via WithRepository.
package app
