package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/menta2k/image-retrieval/internal/cli"
	"github.com/menta2k/image-retrieval/internal/config"
	"github.com/menta2k/image-retrieval/internal/logging"
	"github.com/menta2k/image-retrieval/internal/utils"
)

func main() {
	cfgPath := os.Getenv("IMAGE_RETRIEVAL_CONFIG")
	if cfgPath == "" {
		cfgPath = config.GetConfigPath()
	}

	cfg := config.Default()
	if utils.FileExists(cfgPath) {
		loaded, err := config.LoadFromFile(cfgPath)
		if err != nil {
			log.Fatal(err)
		}
		cfg = loaded
	}

	logger, closer, err := logging.Setup(cfg.Logging.Level, cfg.Logging.Format, cfg.LogDir())
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = cli.NewRoot(cfg, cfgPath, logger).Run(ctx, os.Args[1:])
	stop()
	closer.Close()

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
