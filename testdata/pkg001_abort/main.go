package main

import tracerx "github.com/ninesd/TracerX"

func main() {
	a := tracerx.Byte()
	if a < 10 {
		tracerx.Abort()
	}
	if a > 200 {
		tracerx.Abort()
	}
}
