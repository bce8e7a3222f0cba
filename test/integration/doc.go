// Package integration runs several coordinator instances against one
// in-process Redis and checks that they coordinate through it.
package integration
