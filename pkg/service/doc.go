// Package service is the caller-facing API of the dialogue engine.
//
// Operations take a user id and resolve that user's context through a
// session.Registry. Event times are taken from the service clock in the
// caller's time zone; an empty zone falls back to the one last used by the
// user, then to UTC.
package service
