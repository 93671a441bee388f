// Package convcache caches one MessageStore per counterparty for the
// multi-conversation agent view, with lazy history fetches and optional
// LRU bounding.
package convcache
