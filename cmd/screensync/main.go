// Package main is the screensync command line entry point.
package main

import "github.com/kimhsiao/screensync/internal/cli"

// Version is set at build time
var Version = "0.1.0"

func main() {
	cli.Execute(Version)
}
