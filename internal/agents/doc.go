// Package agents provides the HTTP client used to invoke remote agent
// services. Agents are opaque endpoints that accept a task payload plus the
// outputs of upstream steps and reply with an arbitrary JSON result.
package agents
