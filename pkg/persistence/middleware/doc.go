// Package middleware decorates a ports.BlobStore, for example to encrypt
// everything the engine persists.
package middleware
