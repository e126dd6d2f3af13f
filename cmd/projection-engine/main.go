package main

import (
	"fmt"
	"os"

	"github.com/zitadel/projection-engine/cmd/projection-engine/start"
)

func main() {
	if err := start.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
