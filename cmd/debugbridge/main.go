package main

import (
	"context"
	"fmt"
	"os"

	"github.com/bingosuite/debugbridge/internal/cli"
)

var version = "dev"

func main() {
	if err := cli.App(version).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
