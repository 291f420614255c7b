// Package ws relays the Chrome DevTools Protocol between client WebSockets
// and the upstream browser service.
//
// The package implements:
//   - Bridge: owns one client socket and its upstream socket, relays traffic
//     both ways through the frame codec and recovers from upstream loss
//   - Service: upgrades client requests, runs one Bridge per connection and
//     journals bridge lifecycles
//
// Each Bridge is a single goroutine that owns all of its state. Socket readers
// run in their own goroutines and hand events to it over a channel, so no
// bridge state is ever shared or locked.
package ws
