package main

import (
	"CranePower/internal/cpowerd"
)

func main() {
	cpowerd.ParseCmdArgs()
}
