// Package app holds the long-running services that tie the managers to the
// outside world: the WebSocket gateway, the bus relay, leader election, the
// simulated price feed and the subscription reconciler.
package app
