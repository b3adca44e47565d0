package main

import tracerx "github.com/ninesd/TracerX"

func main() {
	flag := tracerx.Byte()
	useful := tracerx.Byte()
	if flag == 1 {
		sink(1)
	} else {
		sink(2)
	}
	if useful < 5 {
		tracerx.Abort()
	}
}

func sink(i int) int { return i }
