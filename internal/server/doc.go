// Package server exposes the HTTP surface of the drafting service: the
// Pub/Sub push endpoint, operational endpoints for watch registration and
// backlog sweeps, and Kubernetes health probes.
//
// The push endpoint authenticates with Google-signed OIDC tokens (see the
// receiver package); the operational endpoints use a static bearer token.
// Prometheus metrics are served from a dedicated port to keep them off the
// public listener.
package server
