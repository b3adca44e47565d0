package main

import tracerx "github.com/ninesd/TracerX"

func main() {
	p := tracerx.ByteSlice(2)
	tracerx.Free(p)
	tracerx.Free(p)
}
