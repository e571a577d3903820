// The main package for the rewrite-core executable.
package main

import (
	"github.com/JakeFAU/rewrite-core/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
