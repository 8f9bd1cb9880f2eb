package main

import (
	"flag"
	"net/http"

	"go.uber.org/zap"

	"github.com/Atheer-Ganayem/snapmux/internal/config"
	"github.com/Atheer-Ganayem/snapmux/internal/logging"
	"github.com/Atheer-Ganayem/snapmux/internal/relay"
)

var configPath = flag.String("config", "snapmux.yaml", "path to the config file")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}
	logger, err := logging.Setup(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	hub := relay.New(logger)
	hub.OnMessage = func(p []byte) {
		logger.Debug("relaying", zap.ByteString("payload", p))
	}

	http.Handle("/", hub)

	logger.Info("relay listening", zap.String("addr", cfg.Addr))
	if err := http.ListenAndServe(cfg.Addr, nil); err != nil {
		logger.Fatal("relay stopped", zap.Error(err))
	}
}
