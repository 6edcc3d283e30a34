package main

import (
	"github.com/manabihq/manabi/cmd/dbperf/commands"
)

func main() {
	commands.Execute()
}
