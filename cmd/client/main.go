package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/dmitrijs2005/convertly/internal/client/cli"
	"github.com/dmitrijs2005/convertly/internal/client/config"
)

func main() {

	ctx := context.Background()
	cfg := config.LoadConfig()

	app := cli.NewApp(cfg)
	if err := app.Run(ctx); err != nil {
		if errors.Is(err, cli.ErrNoFiles) {
			fmt.Fprintln(os.Stderr, "usage: convertly [flags] file...")
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
