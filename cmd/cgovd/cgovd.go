package main

import (
	"CranePower/internal/cgovd"
)

func main() {
	cgovd.ParseCmdArgs()
}
