package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"medrails/internal/attestation"
	"medrails/internal/bridge"
	"medrails/internal/chain"
	"medrails/internal/config"
	"medrails/internal/ledger"
	"medrails/internal/pharmacy"
	"medrails/internal/records"
	"medrails/internal/server"

	log "github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("load configuration")
	}

	ctx := context.Background()

	ledgerStore, pharmacyStore, closeStores, err := buildStores(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("initialise stores")
	}
	defer closeStores()

	source, destination, health := buildChainClients(ctx, cfg)

	attester := attestation.NewClient(cfg.Service.AttestationBaseURL)
	orchestrator := bridge.NewOrchestrator(source, destination, attester, bridge.Config{
		SourceDomain:       cfg.Deployment.Source.Domain,
		DestinationDomain:  cfg.Deployment.Destination.Domain,
		USDCAddress:        cfg.Deployment.Source.USDC,
		TokenMessenger:     cfg.Deployment.Source.TokenMessenger,
		MessageTransmitter: cfg.Deployment.Destination.MessageTransmitter,
	})

	recordsSvc := records.NewService(source,
		cfg.Deployment.Contracts.MedicalPassport,
		cfg.Deployment.Contracts.Prescription)

	apiServer := server.NewServer(cfg, ledgerStore, pharmacyStore, orchestrator, recordsSvc, health)

	go func() {
		if err := apiServer.Start(); err != nil {
			log.WithError(err).Info("server stopped")
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("shutdown")
	}
}

func buildStores(ctx context.Context, cfg *config.AppConfig) (ledger.Store, pharmacy.Store, func(), error) {
	noop := func() {}

	switch cfg.Service.StoreBackend {
	case "postgres":
		ledgerStore, err := ledger.NewPostgresStore(ctx, cfg.Service.PostgresDSN)
		if err != nil {
			return nil, nil, noop, err
		}
		pharmacyStore, err := pharmacy.NewPostgresStore(ctx, cfg.Service.PostgresDSN)
		if err != nil {
			ledgerStore.Close()
			return nil, nil, noop, err
		}
		return ledgerStore, pharmacyStore, func() {
			ledgerStore.Close()
			pharmacyStore.Close()
		}, nil

	case "file":
		if err := os.MkdirAll(cfg.Service.StoreDir, 0o755); err != nil {
			return nil, nil, noop, err
		}
		ledgerStore, err := ledger.NewFileStore(filepath.Join(cfg.Service.StoreDir, "payment_requests.json"))
		if err != nil {
			return nil, nil, noop, err
		}
		pharmacyStore, err := pharmacy.NewFileStore(filepath.Join(cfg.Service.StoreDir, "pharmacies.json"))
		if err != nil {
			return nil, nil, noop, err
		}
		return ledgerStore, pharmacyStore, noop, nil

	default:
		return ledger.NewMemoryStore(), pharmacy.NewMemoryStore(), noop, nil
	}
}

func buildChainClients(ctx context.Context, cfg *config.AppConfig) (chain.Client, chain.Client, server.Health) {
	if cfg.Chain.PrivateKey == "" {
		log.Warn("no private key configured, using in-memory chain clients")
		return chain.FakeClient{Name: "source"}, chain.FakeClient{Name: "destination"}, server.Health{}
	}

	source, err := chain.NewEthClient(ctx, chain.EthClientConfig{
		RPCURL:        cfg.Deployment.Source.RPCURL,
		PrivateKeyHex: cfg.Chain.PrivateKey,
	})
	if err != nil {
		log.WithError(err).Fatal("connect source chain")
	}
	destination, err := chain.NewEthClient(ctx, chain.EthClientConfig{
		RPCURL:        cfg.Deployment.Destination.RPCURL,
		PrivateKeyHex: cfg.Chain.PrivateKey,
	})
	if err != nil {
		log.WithError(err).Fatal("connect destination chain")
	}

	log.WithField("sender", source.Sender()).Info("chain clients ready")
	return source, destination, server.Health{
		SourceRPC:      source.Ping,
		DestinationRPC: destination.Ping,
	}
}
