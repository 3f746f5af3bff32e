package net

import "sync"

// scratch read buffers shared by all connections of the process
var bytesPool = sync.Pool{New: func() interface{} {
	return make([]byte, 4096)
}}
