package main

import tracerx "github.com/ninesd/TracerX"

func main() {
	p := tracerx.ByteSlice(1 << 40)
	if len(p) == 0 {
		sink(1)
	}
}

func sink(i int) int { return i }
