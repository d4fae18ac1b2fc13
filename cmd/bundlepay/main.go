// bundlepay accepts a user's signed transaction, forges the builder payment
// transaction beside it and fans the two-transaction bundle out to the
// configured relays.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bundlepay/bundlepay/bundler"
	"github.com/bundlepay/bundlepay/chain"
	"github.com/bundlepay/bundlepay/config"
	"github.com/bundlepay/bundlepay/internal/version"
	"github.com/bundlepay/bundlepay/payment"
	"github.com/bundlepay/bundlepay/relay"
	"github.com/bundlepay/bundlepay/scheduler"
	"github.com/bundlepay/bundlepay/server"
	"github.com/bundlepay/bundlepay/signer"
	"github.com/bundlepay/bundlepay/storage"
	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

var (
	configFlag = &cli.StringFlag{
		Name:    "config",
		Usage:   "Path to the YAML configuration file",
		Value:   "config.yaml",
		EnvVars: []string{"CONFIG_PATH"},
	}
	rpcFlag = &cli.StringFlag{
		Name:    "rpc",
		Usage:   "Ethereum JSON-RPC endpoint for fee, nonce and balance reads",
		Value:   "http://localhost:8545",
		EnvVars: []string{"ETH_RPC_URL"},
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity: 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=detail (overrides logging.level)",
		Value: 3,
	}
)

func main() {
	app := &cli.App{
		Name:    "bundlepay",
		Usage:   "atomic bundle payment middleware for block builder relays",
		Version: version.WithMeta,
		Flags:   []cli.Flag{configFlag, rpcFlag, verbosityFlag},
		Action:  run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cliCtx *cli.Context) error {
	cfgStore, err := config.NewStore(cliCtx.String(configFlag.Name))
	if err != nil {
		return err
	}
	cfg := cfgStore.Current()

	verbosity := legacyLevel(cfg.Logging.Level)
	if cliCtx.IsSet(verbosityFlag.Name) {
		verbosity = cliCtx.Int(verbosityFlag.Name)
	}
	setupLogging(cfg.Logging, verbosity)

	log.Info("Starting bundlepay", "version", version.WithMeta,
		"network", cfg.Network.Name, "chainId", cfg.Network.ChainID,
		"builders", len(cfg.EnabledBuilders()))

	// The key is re-read from the environment per request; report its state
	// once so a misconfigured deployment is visible before the first
	// submission fails.
	if key, err := (signer.EnvProvider{}).PaymentKey(); err != nil {
		log.Warn("Payment signer unavailable, submissions will fail until the key is set",
			"env", signer.EnvKey, "err", err)
	} else {
		log.Info("Payment signer ready", "address", signer.Address(key))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gw, err := chain.Dial(ctx, cliCtx.String(rpcFlag.Name))
	if err != nil {
		return fmt.Errorf("dial execution node: %w", err)
	}
	defer gw.Close()

	store, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open audit store: %w", err)
	}
	defer store.Close()

	gate := payment.NewGate(cfg.GateLimits())
	kill := new(bundler.Killswitch)
	svc := bundler.New(gw, signer.EnvProvider{}, gate, kill)
	relays := relay.NewSet(server.BuildRelayClients(cfg))
	monitor := relay.NewMonitor()
	backend := server.NewBackend(cfgStore, svc, gate, relays, monitor, store)

	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr(),
		Handler:           backend.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("HTTP server listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return scheduler.New(cfgStore, relays, monitor, store).Run(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("Shutdown complete")
	return nil
}
