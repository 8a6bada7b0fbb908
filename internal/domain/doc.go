// Package domain defines the core domain types and interfaces.
//
// Files are concept-oriented (session.go, stock.go, queue.go, notification.go, ...) and hold
// shared types plus the consumer-side store interfaces. No implementation code, just contracts.
package domain
