// Package memory provides in-process implementations of the coordination store
// contracts for single-instance deployments and tests. Every store is safe for
// concurrent use; TTLs are evaluated lazily against the injected clock.
package memory
