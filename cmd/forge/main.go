package main

import (
	"os"

	"github.com/truthforge/forge/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
