/*
Package session owns the live per-user contexts of the engine.

A Registry lazily builds at most one UserContext per user id, wiring the
user's variable store, session log and executor together. Every operation
on a user runs under that user's lock, which is ref-counted in process and
optionally backed by a distributed lock for multi-replica deployments.

Contexts hold no state that is not also persisted, so idle ones can be
evicted and rebuilt on the next request.
*/
package session
