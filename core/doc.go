// Package core defines the domain types shared by the stream reducer, the
// vector memory store and the transport adapters: messages, the explicit
// stream session value, transcript annotations and the transport event feed.
package core
