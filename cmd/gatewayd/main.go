package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Sats-Terminal/spark-bridge-backend/internal/config"
	restservice "github.com/Sats-Terminal/spark-bridge-backend/internal/interface/rest"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

//nolint:all
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	app := cli.NewApp()

	app.Version = version
	app.Name = "gatewayd"
	app.Usage = "runes to spark bridge gateway"
	app.Action = daemonAction
	app.Commands = append(
		app.Commands,
		dkgPoolCmd,
		refreshMetadataCmd,
		healthCmd,
	)
	app.Flags = []cli.Flag{
		urlFlag,
		adminTokenFlag,
		tlsCertFlag,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Println(fmt.Errorf("error: %v", err))
		os.Exit(1)
	}
}

func daemonAction(_ *cli.Context) error {
	cfg, err := config.LoadGatewayConfig()
	if err != nil {
		log.WithError(err).Fatal("invalid config")
	}

	log.SetLevel(log.Level(cfg.LogLevel))

	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

	svcConfig := restservice.Config{
		Datadir:         cfg.Datadir,
		Port:            cfg.Port,
		NoTLS:           cfg.NoTLS,
		TLSExtraIPs:     cfg.TLSExtraIPs,
		TLSExtraDomains: cfg.TLSExtraDomains,
		AdminToken:      cfg.AdminToken,
	}
	svc, err := restservice.NewGatewayService(svcConfig, cfg)
	if err != nil {
		log.Fatal(err)
	}

	log.RegisterExitHandler(svc.Stop)

	log.Info("starting service...")
	if err := svc.Start(); err != nil {
		log.Fatal(err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT, os.Interrupt)
	<-sigChan

	log.Info("shutting down service...")
	log.Exit(0)
	return nil
}
