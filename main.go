// The main package for the ingestor executable.
package main

import (
	"github.com/JakeFAU/forum-ingestor/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
