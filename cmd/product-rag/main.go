package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jinford/product-rag/cmd/product-rag/commands"
	appcli "github.com/jinford/product-rag/internal/interface/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := commands.New(appcli.NewRunner())
	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
