package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/teris-io/shortid"

	"github.com/triplore/tripchat/internal/api"
	"github.com/triplore/tripchat/internal/broker"
	"github.com/triplore/tripchat/internal/config"
	"github.com/triplore/tripchat/internal/identity"
	"github.com/triplore/tripchat/internal/server"
	"github.com/triplore/tripchat/internal/stats"
	"github.com/triplore/tripchat/internal/store"
)

var (
	addr       string
	dsn        string
	signingKey string
)

func main() {
	flag.StringVar(&addr, "addr", "", "server address (overrides TRIPCHAT_ADDR)")
	flag.StringVar(&dsn, "dsn", "", "database connection string (overrides TRIPCHAT_DSN)")
	flag.StringVar(&signingKey, "signing-key", "", "base64 encoded signing key (overrides TRIPCHAT_SIGNING_KEY)")
	flag.Parse()

	logger := log.New(os.Stderr, "[tripchat] ", log.LstdFlags)

	cfg, err := config.NewConfig(addr, dsn, signingKey)
	if err != nil {
		logger.Fatal("config: ", err)
	}

	pg, err := store.NewPostgres(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("db open: ", err)
	}
	defer func() {
		if err := pg.Close(); err != nil {
			logger.Println("db close:", err)
		}
	}()

	instanceId, err := shortid.Generate()
	if err != nil {
		logger.Fatal("generate instance id: ", err)
	}

	bus := broker.NewBus(logger, cfg.AmqpURL, cfg.AmqpExchange, instanceId)
	defer bus.Close()

	statsUpdater := stats.NewStatsUpdater()

	chatServer, err := server.NewChatServer(logger, cfg, pg, pg, bus, statsUpdater)
	if err != nil {
		logger.Fatal("new chat server: ", err)
	}

	verifier := identity.NewJWTVerifier(cfg.SigningKey)

	srv := api.NewTripChatApp(logger, chatServer, verifier, pg, pg, statsUpdater.Handler(), cfg)

	go chatServer.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("HTTP server shutdown:", err)
	}

	logger.Println("shutting down chat server...")
	if err := chatServer.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("chat server shutdown:", err)
	}

	logger.Println("shutdown complete")
}
