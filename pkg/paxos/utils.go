package paxos

import (
	"bytes"
	"fmt"
	"runtime"
)

func recoverValueString(value interface{}) string {
	switch v := value.(type) {
	case error:
		return v.Error()
	case string:
		return v
	default:
		return fmt.Sprintf("%#v", v)
	}
}

func stackTrace(skip, depth int) string {
	pc := make([]uintptr, depth)

	// Skip runtime.Callers and stackTrace itself
	nbFrames := runtime.Callers(skip+2, pc)
	frames := runtime.CallersFrames(pc[:nbFrames])

	var buf bytes.Buffer

	for {
		frame, more := frames.Next()

		fmt.Fprintf(&buf, "%s\n  %s:%d\n",
			frame.Function, frame.File, frame.Line)

		if !more {
			break
		}
	}

	return buf.String()
}

// logPanic must be deferred directly: recover has no effect anywhere else.
func logPanic(log Logger, context string) {
	value := recover()
	if value == nil {
		return
	}

	msg := recoverValueString(value)
	log.Error("%s: panic: %s\n%s", context, msg, stackTrace(2, 10))
}
