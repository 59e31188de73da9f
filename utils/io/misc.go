package io

import (
	"fmt"
	"runtime"
)

// GetCallerFileContext returns the file context of the calling function
// in the form "file:lineno", used in error and log messages.
func GetCallerFileContext(level int) (fileContext string) {
	_, file, line, _ := runtime.Caller(1 + level)
	return fmt.Sprintf("%s:%d", file, line)
}
