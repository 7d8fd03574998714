// Package server exposes the service over the network: the voice websocket
// endpoint, the HTTP monitoring and management API, Prometheus metrics and a
// gRPC health service.
package server
