package main

import tracerx "github.com/ninesd/TracerX"

func main() {
	x := tracerx.Byte()
	if x != 0 {
		x = 1
	}
	_ = x
}
