package main

import tracerx "github.com/ninesd/TracerX"

func main() {
	n := tracerx.Byte()
	p := tracerx.ByteSlice(int(n))
	_ = p
}
