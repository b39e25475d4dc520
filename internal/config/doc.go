// Package config provides centralized configuration management for the
// AgentFlow daemon. It loads a single JSON file at startup, applies defaults
// for optional sections, and fails fast when the payment verification surface
// (master wallet, chain id, RPC endpoints) is incomplete.
package config
