/*
Package variables implements the per-user variable store.

A Store keeps the variables of one user in memory and notifies listeners of
every change it is asked to publish. Two listeners are wired by the session
registry:

  - Persister rewrites the user's snapshot on every change (write-through).
  - SyncListener mirrors locally originated changes to the external variable service.

Variables are stamped with the caller's event time, never the server clock.
*/
package variables
