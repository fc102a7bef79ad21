package worker

import (
	"log"
	"os"
	"strconv"
)

// debugEnvVar turns on dispatcher tracing when set to a true value.
const debugEnvVar = "MENTORCHAT_WORKER_DEBUG"

var workerDebugEnabled = envFlag(debugEnvVar)

func envFlag(name string) bool {
	on, err := strconv.ParseBool(os.Getenv(name))
	return err == nil && on
}

func debugLog(format string, args ...interface{}) {
	if !workerDebugEnabled {
		return
	}
	log.Printf("[debug] "+format, args...)
}
