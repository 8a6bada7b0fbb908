// Package broadcast implements the in-process room registry using the actor pattern.
//
// The Hub owns the room and member maps on a single goroutine; callers talk to it through
// a command channel (no mutexes). Delivery never blocks on a member: a member whose Emit
// fails is evicted from every room and handed to the eviction callback.
package broadcast
