// The main package for the mediad executable.
package main

import (
	"github.com/tonefield/mediad/cmd"
)

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
