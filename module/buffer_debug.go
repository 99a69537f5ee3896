//go:build !release

package module

// debugChecks is on by default, following the teacher's debug/production
// split (cmd/controller/debug.go vs production.go): EventBuffer.Advance
// traps backwards or past-the-end advances instead of corrupting memory.
const debugChecks = true
