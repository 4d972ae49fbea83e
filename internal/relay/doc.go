// Package relay moves signaling messages between the two peers of a room.
//
// The relay is content-blind: it tags every message with its sender and
// delivers it to the other subscriber, but role rules (who may act on an
// offer or answer) are enforced by package negotiate.
//
// Offer and Answer occupy single last-write-wins slots per room and are
// replayed to late or restarted subscriptions, so they are never lost.
// Candidates fan out to live subscriptions only; candidates emitted before a
// peer subscribes are dropped, which ICE tolerates through redundant
// candidate generation.
package relay
