package main

import tracerx "github.com/ninesd/TracerX"

func main() {
	x := tracerx.Byte()
	if x == 100 {
		x = 1
	} else {
		x = 2
	}
	_ = x
}
