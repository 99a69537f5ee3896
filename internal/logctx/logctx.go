// Package logctx sets up process-wide logging the way cmd/controller does
// it in the teacher repo: plain stdlib log, timestamps stripped in favor of
// whatever the surrounding supervisor already timestamps, one *log.Logger
// per crate carrying its name as a prefix.
package logctx

import (
	"log"
	"os"
)

// Setup strips date/time from the default logger, matching
// cmd/controller/main.go's run().
func Setup() {
	log.SetFlags(log.Flags() &^ (log.Ldate | log.Ltime))
}

// ForCrate returns a logger prefixed with the crate's name, so interleaved
// output from multiple crates stays attributable.
func ForCrate(name string) *log.Logger {
	return log.New(os.Stderr, "crate["+name+"] ", log.Flags())
}
