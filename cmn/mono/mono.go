// Package mono supplies monotonic-clock helpers used for idle/keepalive
// timing (retry delays, quiescence checks) where wall-clock jumps would
// otherwise corrupt a "time since" computation.
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package mono

import "time"

var start = time.Now()

// NanoTime returns a monotonic nanosecond timestamp, comparable only to
// other values returned by NanoTime (not to wall-clock time).
func NanoTime() int64 { return time.Since(start).Nanoseconds() }

// Since returns the monotonic duration elapsed since a NanoTime() reading.
func Since(t int64) time.Duration { return time.Duration(NanoTime() - t) }
