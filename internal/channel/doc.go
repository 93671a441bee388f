// Package channel defines the wire protocol of the storechat real-time
// channel: a JSON frame envelope carrying register, getConversation,
// sendMessage and markAsRead requests, status-tagged replies, and
// newMessage pushes. It also provides the Transport abstraction and its
// websocket implementation, plus the sentinel errors every channel
// operation is reported with.
package channel
