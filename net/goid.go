package net

import (
	"bytes"
	"runtime"
	"strconv"
)

// curGoroutineID parses the goroutine id out of the runtime stack header
// ("goroutine 123 [running]:"). The loop uses it to detect which
// goroutine a call came from; this is the slow, portable way but it is
// only on control paths, never per byte.
func curGoroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return -1
	}
	id, err := strconv.ParseInt(string(fields[1]), 10, 64)
	if err != nil {
		return -1
	}
	return id
}
