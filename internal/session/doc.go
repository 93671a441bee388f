// Package session assembles the sync engine for the two consumers of the
// chat feature: the customer widget (one conversation, persisted snapshot)
// and the support-agent console (conversation cache, roster index, read
// tracking). Sessions own their components; the connection manager is
// injected, never ambient.
package session
