// Package logging provides the leveled, subject-prefixed log lines used
// throughout fssync, in the style of rclone's fs.Infof/Debugf/Errorf/Logf.
package logging

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"
)

var (
	out     io.Writer = os.Stdout
	debugOn int32
)

// SetDebug turns verbose logging on or off process-wide.
func SetDebug(on bool) {
	if on {
		atomic.StoreInt32(&debugOn, 1)
	} else {
		atomic.StoreInt32(&debugOn, 0)
	}
}

// SetOutput redirects log lines, for tests.
func SetOutput(w io.Writer) {
	out = w
}

func emit(level string, subject any, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(out, "[%s] %s %s: %s\n", level, time.Now().Format(time.RFC3339), subjectString(subject), msg)
}

func subjectString(subject any) string {
	if subject == nil {
		return "-"
	}
	if s, ok := subject.(string); ok {
		if s == "" {
			return "-"
		}
		return s
	}
	if s, ok := subject.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%v", subject)
}

// Logf emits an unconditional info-level line tagged [INFO].
func Logf(subject any, format string, args ...any) {
	emit("INFO", subject, format, args...)
}

// Infof is an alias of Logf.
func Infof(subject any, format string, args ...any) {
	emit("INFO", subject, format, args...)
}

// Debugf emits a line only when debug logging is enabled.
func Debugf(subject any, format string, args ...any) {
	if atomic.LoadInt32(&debugOn) == 0 {
		return
	}
	emit("DEBUG", subject, format, args...)
}

// Errorf always emits a line tagged [ERROR].
func Errorf(subject any, format string, args ...any) {
	emit("ERROR", subject, format, args...)
}
