// Package main is the entry point for the tscache application
package main

import (
	"github.com/quantpulse/tscache/cmd"
)

func main() {
	cmd.Execute()
}
