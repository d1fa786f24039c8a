package main

import (
	"math/rand"
	"time"

	"github.com/luma/relay/cmd"
)

func main() {
	rand.Seed(time.Now().UnixNano())

	cmd.Execute()
}
