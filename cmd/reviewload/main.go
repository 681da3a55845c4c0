package main

import (
	"os"

	"github.com/reviewload/reviewload/internal/cli"
)

func main() {
	os.Exit(cli.Main())
}
