package main

import (
	"os"

	"github.com/ignite/leadengine/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
