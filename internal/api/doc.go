// Package api exposes the external HTTP interface: the payment-gated
// pipeline execution endpoint and the public status/result polling
// endpoints, together with health and metrics handlers.
package api
