package main

import tracerx "github.com/ninesd/TracerX"

func main() {
	x := tracerx.Byte()
	y := tracerx.Byte()
	if x == 0 {
		sink(1)
	} else {
		sink(2)
	}
	if y == 7 {
		tracerx.Abort()
	}
}

func sink(i int) int { return i }
