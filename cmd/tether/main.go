package main

import (
	"os"

	"github.com/tetherdbg/tether/cmd/tether/cmds"
)

func main() {
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
