package main

import tracerx "github.com/ninesd/TracerX"

func main() {
	x := tracerx.Byte()
	tracerx.Assert(x+1 > x)
}
