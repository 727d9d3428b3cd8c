/*
Package logstore persists the logged dialogues of one user.

All records of a session, that is every record sharing a session id and a
session start time, live in one blob:

	logs/<user>/<sessionStartMillis> <sessionId>.json

Saving a record is a read-merge-write of that blob, so updating one record
never drops its siblings. A corrupt blob is reported as domain.ErrStorage and
never skipped.
*/
package logstore
