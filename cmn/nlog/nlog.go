// Package nlog is a small leveled logger used throughout the engine.
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package nlog

import (
	"fmt"
	"log"
	"os"
	"sync/atomic"
)

var std = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lmicroseconds)

// verbosity gates FastV-style call sites; 0 disables all of them.
var verbosity int32

func SetVerbosity(v int) { atomic.StoreInt32(&verbosity, int32(v)) }

// FastV reports whether logging at level v under the given module is
// currently enabled. module is accepted for call-site compatibility with
// cos.Smodule* tags; this implementation doesn't partition by module,
// only by level.
func FastV(v int, _ string) bool { return int(atomic.LoadInt32(&verbosity)) >= v }

func Infoln(args ...any)                 { std.Println(args...) }
func Infof(format string, args ...any)    { std.Printf(format+"\n", args...) }
func Errorln(args ...any)                { std.Println(args...) }
func Errorf(format string, args ...any)   { std.Printf(format+"\n", args...) }
func Warningln(args ...any)              { std.Println(args...) }
func Warningf(format string, args ...any) { std.Printf(format+"\n", args...) }

// Fatal logs and terminates the process; reserved for init-time failures,
// never called from within the pipeline engine itself.
func Fatal(args ...any) {
	std.Println(args...)
	os.Exit(1)
}

// Stringer avoids an import of fmt at call sites that just want %v-style formatting.
func Stringer(v any) string { return fmt.Sprintf("%v", v) }
