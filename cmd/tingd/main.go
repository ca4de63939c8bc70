// Command tingd is the ting plugin host daemon.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/tingreader/ting-plugins/cmd/tingd/commands"
)

func main() {
	if err := commands.NewRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
