package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"time"

	"go.uber.org/zap"

	"github.com/Atheer-Ganayem/snapmux"
	"github.com/Atheer-Ganayem/snapmux/internal/config"
	"github.com/Atheer-Ganayem/snapmux/internal/logging"
)

type Person struct {
	Name string `json:"name"`
	Age  int    `json:"age"`
}

var (
	configPath = flag.String("config", "snapmux.yaml", "path to the config file")
	name       = flag.String("name", "gopher", "name announced on the person topic")
)

var person = snapmux.NewRoute[Person]("person")

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

	opts := &snapmux.Options{
		WriteWait:      cfg.WriteWait,
		ReadWait:       cfg.ReadWait,
		PingEvery:      cfg.PingEvery,
		MaxMessageSize: cfg.MaxMessageSize,
		Logger:         logger,
	}
	if cfg.RateLimit > 0 {
		opts.Limiter = snapmux.NewRateLimiter(cfg.RateLimit, cfg.RateBurst)
		opts.Limiter.OnRateLimitHit = func(*snapmux.Conn) {
			logger.Warn("inbound rate limit hit")
		}
	}

	ch := snapmux.NewChannel(snapmux.NewDialer(cfg.URL, opts), snapmux.WithLogger(logger))

	// Configured topics carry free-form JSON.
	for _, topic := range cfg.Topics {
		view := snapmux.Read(ch, snapmux.NewRoute[any](topic))
		stop := view.Subscribe(func(v any, ok bool) {
			if !ok {
				logger.Info("no value", zap.String("topic", topic))
				return
			}
			logger.Info("value", zap.String("topic", topic), zap.Any("data", v))
		})
		defer stop()
	}

	people := snapmux.ReadWithDefault(ch, person, Person{Name: "nobody"})
	defer people.Subscribe(func(p Person, _ bool) {
		logger.Info("person", zap.String("name", p.Name), zap.Int("age", p.Age))
	})()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if _, err := ch.Manager().Acquire(ctx); err != nil {
		logger.Error("connect", zap.Error(err))
		return
	}

	wctx, wcancel := context.WithTimeout(ctx, 3*time.Second)
	err = snapmux.Write(wctx, ch, person, Person{Name: *name, Age: 30})
	wcancel()
	if err != nil {
		logger.Error("announce", zap.Error(err))
	}

	<-ctx.Done()
}
