// Package web3 houses blockchain connectivity utilities: the read-only chain
// client abstraction used for payment verification and multi-chain
// configuration helpers for EVM compatible networks.
package web3
