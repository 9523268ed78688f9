// Package main is responsible for the main func of ssme.  The actual work is
// done in the cmd package.
package main

import "github.com/ameshkov/ssme/internal/cmd"

func main() {
	cmd.Main()
}
