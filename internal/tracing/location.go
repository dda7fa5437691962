package tracing

import (
	"path/filepath"
	"reflect"
	"runtime"
	"strconv"
	"strings"
)

const maxLocationDepth = 32

var pkgPrefix = func() string {
	name := runtime.FuncForPC(reflect.ValueOf(ShortFuncName).Pointer()).Name()
	return name[:strings.LastIndex(name, ".")+1]
}()

// callerLocation returns "file:function:line" of the first frame outside
// this package. Test files of this package count as callers.
func callerLocation() string {
	var pcs [maxLocationDepth]uintptr
	n := runtime.Callers(2, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		internal := strings.HasPrefix(frame.Function, pkgPrefix) && !strings.HasSuffix(frame.File, "_test.go")
		if !internal && frame.Function != "" {
			return FormatLocation(frame.File, frame.Function, frame.Line)
		}
		if !more {
			return ""
		}
	}
}

// FormatLocation renders a call site as "file:function:line" using the base
// file name and the short function name.
func FormatLocation(file, function string, line int) string {
	return filepath.Base(file) + ":" + ShortFuncName(function) + ":" + strconv.Itoa(line)
}

// ShortFuncName strips the import path and package from a runtime function
// name: "example.com/pkg.(*T).Run.func1" becomes "(*T).Run.func1".
func ShortFuncName(full string) string {
	name := full
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.Index(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return name
}
