/* Copyright (c) 2018-2021 Waldemar Augustyn */

package main

import (
	"chatstack/internal/clientmain"
	"chatstack/internal/topology"
)

func main() {
	clientmain.Run(topology.Bob)
}
