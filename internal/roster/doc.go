// Package roster maintains the derived, non-owning conversation summaries
// an agent sees: last message preview, last-message time and unread count
// per counterparty, sorted by recency. Summaries are seeded once from the
// REST roster endpoint and recomputed from message-store state on every
// mutation afterwards.
package roster
