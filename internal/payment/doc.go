// Package payment implements the request-admission guard for paid pipeline
// execution. It issues reproducible payment challenges, verifies on-chain
// transaction proofs against the configured master wallet, and records
// consumed references so a proof cannot admit more than one pipeline.
package payment
