// Package chat implements the per-conversation message model and the
// optimistic-send reconciliation engine.
//
// # MessageStore
//
// A MessageStore holds the unique, time-ordered message set for one
// conversation and merges three input streams:
//
//  1. Local optimistic sends (InsertPending)
//  2. Request/response confirmations from sending (Reconcile)
//  3. Asynchronous push deliveries, which may redeliver events or echo the
//     local participant's own just-sent message (Observe)
//
// The confirmation and the push echo for the same logical message can
// arrive in either order. The provisional id assigned by InsertPending is
// never transmitted, so Observe correlates an echo with its pending entry
// by sender, text and a bounded timestamp window. Whichever of Reconcile
// or Observe arrives second finds the work already done and is a no-op.
//
// # Recipient
//
// A message is addressed either to a specific participant or to the shared
// unassigned-agent inbox (encoded as null on the wire). Recipient models
// this as a tagged variant instead of a nullable field.
//
// # Broadcaster
//
// Broadcaster fans out store mutation events to UI subscribers and the
// snapshot writer, keyed by counterparty id.
package chat
