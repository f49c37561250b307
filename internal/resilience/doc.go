// Package resilience protects downstream dependencies: a registry of named
// circuit breakers (one per dependency) and keyed rate limiters (one per
// endpoint class and caller).
package resilience
