// Package message defines the units of work that flow through a command
// channel.
//
// A Message is what the transport delivers: already deserialized, carrying a
// routing id that names the execution unit it targets. Once the ingress
// filter admits it, the message is wrapped in a ChannelMessage that records
// its order number and receipt time. The dispatcher consumes ChannelMessages.
//
// ORDERING:
//
// Order numbers are assigned at ingress from a counter shared by every
// channel in a process. OutOfOrder marks messages that bypass ordering
// (waits); they are never compared against the completed order.
package message
