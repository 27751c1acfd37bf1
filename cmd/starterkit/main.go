package main

import (
	"os"

	"github.com/starterkit/starterkit/pkg/cli"
)

// version is set with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	os.Exit(cli.Main(version, os.Args[1:]))
}
