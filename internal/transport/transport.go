// Package transport holds the channel-subscription contract shared by the
// session coordinator and the cable client.
package transport

import "encoding/json"

// Hooks are the callbacks of one channel subscription. Any hook may be nil.
// Hooks run on the transport's reader goroutine and may be invoked before
// Subscribe returns.
type Hooks struct {
	// Connected fires each time the server confirms the subscription,
	// including after a reconnect.
	Connected func()
	// Disconnected fires when the underlying connection drops.
	Disconnected func()
	// Rejected fires when the server refuses the subscription.
	Rejected func()
	// Received delivers one channel message.
	Received func(json.RawMessage)
}

// Subscription is a live subscription to one channel.
type Subscription interface {
	// Perform sends action with payload merged into the message body.
	Perform(action string, payload any) error
	Unsubscribe() error
}
