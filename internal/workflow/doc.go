// Package workflow converts a client-supplied node/edge agent graph into an
// ordered, validated execution plan. It performs cycle and reference checks,
// derives a deterministic topological step order, and computes the total
// cost the payment layer quotes for the same graph.
package workflow
