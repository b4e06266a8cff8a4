package main

import (
	"os"

	"github.com/subtun/subtun/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
