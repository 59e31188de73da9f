package main

import (
	"os"

	"github.com/slabworks/segstore/cmd"
	"github.com/slabworks/segstore/utils/log"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Error("%v", err)
		os.Exit(1)
	}
}
