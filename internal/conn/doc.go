// Package conn provides the ConnectionManager: the single owner of the
// real-time channel for one session.
//
// The manager drives the lifecycle
//
//	disconnected -> connecting -> connected
//	connected -> disconnected -> reconnecting -> connected   (network loss)
//
// and is the only writer to the transport. It multiplexes request/response
// round trips (sendMessage, getConversation, markAsRead) over the stream by
// request id, delivers newMessage pushes to the OnMessage hook in arrival
// order, and fires OnConnected after every successful registration so the
// session can run its initial or recovery sync.
//
// Operations attempted while the channel is not connected fail with
// channel.ErrNotConnected. Sends are bounded by a timeout and surface as
// channel.ErrSendFailed; disconnection does not cancel optimistic pending
// entries, which stay in their stores until reconciled or discarded.
package conn
