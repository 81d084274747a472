// Command omnistore inspects and edits omnistore profiles.
package main

import (
	"context"
	"os"

	"github.com/roach88/omnistore/internal/cli"
)

func main() {
	os.Exit(cli.Execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}
