package main

import (
	"context"
	"fmt"
	"os"

	"github.com/orrn/boothspool/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "boothspoold:", err)
		os.Exit(1)
	}
}
