package main

import (
	"CranePower/internal/cpower"
)

func main() {
	cpower.ParseCmdArgs()
}
