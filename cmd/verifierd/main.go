package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/Sats-Terminal/spark-bridge-backend/internal/config"
	"github.com/Sats-Terminal/spark-bridge-backend/internal/infrastructure/signer"
	restservice "github.com/Sats-Terminal/spark-bridge-backend/internal/interface/rest"
	log "github.com/sirupsen/logrus"
)

//nolint:all
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cfg, err := config.LoadVerifierConfig()
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
	}
	svc, err := restservice.NewVerifierService(svcConfig, cfg)
	if err != nil {
		log.Fatal(err)
	}

	appSvc, err := cfg.AppService()
	if err != nil {
		log.Fatal(err)
	}
	signerSvc, err := signer.NewServer(signer.ServerConfig{
		Port:             cfg.SignerPort,
		Datadir:          cfg.Datadir,
		TLSExtraIPs:      cfg.TLSExtraIPs,
		TLSExtraDomains:  cfg.TLSExtraDomains,
		IdentityKey:      cfg.IdentityKey,
		GatewayPublicKey: cfg.GatewayPublicKey,
	}, appSvc)
	if err != nil {
		log.Fatal(err)
	}

	// stop order is the reverse of start order
	log.RegisterExitHandler(signerSvc.Stop)
	log.RegisterExitHandler(svc.Stop)

	log.Info("starting service...")
	if err := svc.Start(); err != nil {
		log.Fatal(err)
	}
	if err := signerSvc.Start(); err != nil {
		log.Fatal(err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT, os.Interrupt)
	<-sigChan

	log.Info("shutting down service...")
	log.Exit(0)
}
