// Package messenger defines the generic interfaces required in order to exchange messages with a broker
// based cloud service, together with the Message model and the error kinds shared by every package in
// this module.
//
// The interfaces only have functions which relate to operations expected from a queueing broker (declare,
// bind, publish, consume, ack), which means we should be able to add a new broker type and the client
// core will be able to use it once we have made the bindings necessary to implement the interface.
//
// This package does not know or care about anything outside the broker protocol, i.e. it does not know
// about management APIs or credential exchange. Those are implemented separately.
//
// The implementations provided at the time of writing are:
//   - rabbitmq (github.com/marcosimioni/messenger/rabbitmq)
//   - nats (github.com/marcosimioni/messenger/nats)
//   - kafka (github.com/marcosimioni/messenger/kafka)
//
// The connection manager, publisher, consumer and request/reply correlation engine built on top of
// these interfaces live in github.com/marcosimioni/messenger/client.
package messenger
