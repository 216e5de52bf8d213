// Package logging gates the bridge's noisier per-event log lines behind
// the general.log_level config field, without replacing log.Printf
// anywhere else.
package logging

import (
	"log"
	"sync/atomic"
)

var debug int32

// SetDebug enables or disables Debugf output. Called once at startup
// from the resolved config.
func SetDebug(on bool) {
	if on {
		atomic.StoreInt32(&debug, 1)
	} else {
		atomic.StoreInt32(&debug, 0)
	}
}

// Debugf logs format/args with a "[debug]" prefix when log_level is
// "debug"; it is a no-op otherwise.
func Debugf(format string, args ...any) {
	if atomic.LoadInt32(&debug) == 0 {
		return
	}
	log.Printf("[debug] "+format, args...)
}
