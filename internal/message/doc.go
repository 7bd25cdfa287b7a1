// Package message defines the Nostr client/relay wire envelopes.
//
// Frames are JSON arrays whose first element is a label:
//   - relay -> client: EVENT, OK, EOSE, CLOSED, NOTICE, AUTH, COUNT,
//     NEG-MSG, NEG-ERR
//   - client -> relay: EVENT, REQ, CLOSE, AUTH, COUNT,
//     NEG-OPEN, NEG-MSG, NEG-CLOSE
//
// Frames are parsed exactly once, at the connection boundary. Everything
// above the connection works with the typed envelopes in this package.
package message
