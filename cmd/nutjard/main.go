package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/nutjar/nutjar/cashu"
	"github.com/nutjar/nutjar/config"
	"github.com/nutjar/nutjar/lightning"
	"github.com/nutjar/nutjar/mint"
	"github.com/nutjar/nutjar/rates"
	"github.com/nutjar/nutjar/server"
	"github.com/nutjar/nutjar/wallet"
	"github.com/nutjar/nutjar/wallet/storage/sqlite"
)

func main() {
	app := &cli.App{
		Name:  "nutjard",
		Usage: "custodial cashu wallet service",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "env",
				Usage: "path to .env file",
				Value: ".env",
			},
		},
		Action: serve,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func serve(ctx *cli.Context) error {
	if envPath := ctx.String("env"); envPath != "" {
		// missing .env is fine, the environment may be set directly
		godotenv.Load(envPath)
	}

	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	unit, err := cashu.StringToUnit(cfg.Unit)
	if err != nil {
		return err
	}

	db, err := sqlite.InitSQLite(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	mintClient, err := mint.Shared(cfg.MintURL, unit)
	if err != nil {
		return err
	}

	engine := wallet.NewEngine(db, mintClient, unit, wallet.Limits{
		MaxBalance: cfg.MaxBalance,
		MaxSend:    cfg.MaxSend,
		MaxPay:     cfg.MaxPay,
	}, logger)

	srv := server.SetupServer(cfg, engine, rates.NewCache(rates.DefaultOracleURL),
		lightning.NewAddressResolver(), logger)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-shutdown
		srv.Shutdown(context.Background())
	}()

	return srv.Start()
}
