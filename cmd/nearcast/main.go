// Package main is the single-binary entrypoint for nearcast.
package main

import "github.com/nearcast/nearcast/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
