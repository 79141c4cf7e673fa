// Package integration exercises the git server end to end with the real git
// client: anonymous clones, authenticated pushes and the operation log they
// leave behind.
package integration
