// Package signaling implements the relay's room registry and message-routing
// state machine: one broadcaster and any number of viewers per room exchange
// opaque negotiation envelopes and presence events, and rooms are reclaimed
// the moment they lose their last participant or their broadcaster.
package signaling
