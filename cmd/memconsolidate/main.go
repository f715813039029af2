// memconsolidate turns finished conversations into long-term memories.
package main

import (
	"fmt"
	"os"
)

var version = "dev"

func main() {
	if err := buildRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
