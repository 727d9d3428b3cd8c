// Package executor runs dialogue sessions for a single user.
//
// Every request rebuilds its position from the session log, so the log is
// the only state an executor needs between calls. Steps are appended to the
// log and written through before the rendered node is returned.
package executor
