package main

import (
	"fmt"
	"os"

	"github.com/veilsend/veilsend/cmd/veilsend/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
