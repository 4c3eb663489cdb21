// Package agent contains the conversational front of the relay service. It
// drives the two-round 402 handshake on behalf of a chatting user and asks a
// language model to narrate challenges and settlement outcomes.
package agent
