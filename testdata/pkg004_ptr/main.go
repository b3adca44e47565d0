package main

import tracerx "github.com/ninesd/TracerX"

func main() {
	p := tracerx.ByteSlice(3)
	p[5] = 1
}
