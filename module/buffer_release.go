//go:build release

package module

// debugChecks is off in a release build: EventBuffer.Advance skips its
// bounds checks, matching the teacher's production.go counterpart.
const debugChecks = false
