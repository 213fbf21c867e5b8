// Package chat is Parley's conversation engine.
//
// It owns the append-only message log (MessageStore and its backends) and the
// Service that answers the three caller-facing questions: send a message,
// fetch the ordered history of a pair, and list a user's correspondents with
// the latest message exchanged with each.
//
// A conversation has no stored representation of its own. It is derived from
// messages whose {sender, recipient} equals the pair in either direction, and
// every backend matches pairs through PairKey.
package chat
