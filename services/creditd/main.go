package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"creditguild/core/events"
	"creditguild/core/types"
	"creditguild/crypto"
	"creditguild/native/credit"
	"creditguild/observability/logging"
	"creditguild/services/creditd/server"
	"creditguild/storage"
	"creditguild/storage/creditstore"
)

func main() {
	var cfgPath string
	var genKey bool
	flag.StringVar(&cfgPath, "config", "services/creditd/config.toml", "path to creditd config")
	flag.BoolVar(&genKey, "genkey", false, "generate a governor keypair and exit")
	flag.Parse()

	if genKey {
		if err := generateGovernorKey(os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "creditd: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "creditd: %v\n", err)
		os.Exit(1)
	}

	logger := logging.SetupWithOptions("creditd", cfg.Env, logging.Options{
		FilePath:   cfg.LogFile,
		MaxSizeMB:  64,
		MaxBackups: 5,
		MaxAgeDays: 14,
	})
	logger.Info("starting", slog.Any("config", cfg.Sanitized()))

	db, err := openDatabase(cfg.DataDir)
	if err != nil {
		logger.Error("open database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer db.Close()

	engine, house, err := buildEngine(cfg, db, logger)
	if err != nil {
		logger.Error("wire engine", slog.String("error", err.Error()))
		os.Exit(1)
	}

	auth := server.NewAuthenticator(cfg.JWTSecret)
	api := server.New(engine, house, logger, auth, cfg.RatePerMinute, cfg.RateBurst)

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", slog.String("addr", cfg.Listen))
		errCh <- httpServer.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info("shutting down", slog.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Error("shutdown", slog.String("error", err.Error()))
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("serve", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}
}

func openDatabase(dataDir string) (storage.Database, error) {
	if strings.TrimSpace(dataDir) == "" {
		return storage.NewMemDB(), nil
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}
	return storage.NewLevelDB(filepath.Join(dataDir, "credit"))
}

// buildEngine wires the persistent store, the engine, the auction house and
// the configured terms.
func buildEngine(cfg Config, db storage.Database, logger *slog.Logger) (*credit.Engine, *credit.AuctionHouse, error) {
	store := creditstore.New(db)

	engine := credit.NewEngine(moduleAddress("credit/module"), moduleAddress("credit/sink"))
	engine.SetState(store)
	engine.SetEmitter(&logEmitter{logger: logger})

	house, err := credit.NewAuctionHouse(cfg.Auction.MidPointSeconds, cfg.Auction.TotalSeconds)
	if err != nil {
		return nil, nil, err
	}
	house.SetState(store)
	house.SetEngine(engine)
	house.SetEmitter(&logEmitter{logger: logger})
	engine.SetAuctionHouse(house)

	// Terms from the config file are operator-trusted, so they are created
	// under a boot-only role view before the configured governor set takes
	// over.
	engine.SetRoles(bootstrapRoles{})
	genesis := moduleAddress("credit/genesis")
	for _, tc := range cfg.Terms {
		term, err := buildTerm(tc, engine.Now())
		if err != nil {
			return nil, nil, fmt.Errorf("term %q: %w", tc.ID, err)
		}
		switch err := engine.CreateTerm(genesis, term); {
		case err == nil:
			logger.Info("term created", slog.String("term", term.ID))
		case errors.Is(err, credit.ErrTermExists):
			logger.Info("term exists", slog.String("term", term.ID))
		default:
			return nil, nil, fmt.Errorf("term %q: %w", tc.ID, err)
		}
	}

	roles, err := newStaticRoles(cfg.Governors)
	if err != nil {
		return nil, nil, err
	}
	engine.SetRoles(roles)
	return engine, house, nil
}

func buildTerm(tc TermConfig, now int64) (*credit.Term, error) {
	maxDebt, err := parseWei(tc.MaxDebtPerCollateral, "max_debt_per_collateral")
	if err != nil {
		return nil, err
	}
	hardCap, err := parseWei(tc.HardCap, "hard_cap")
	if err != nil {
		return nil, err
	}
	bufferCap, err := parseWei(tc.BufferCap, "buffer_cap")
	if err != nil {
		return nil, err
	}
	bufferRate, err := parseWei(tc.BufferRatePerSecond, "buffer_rate_per_second")
	if err != nil {
		return nil, err
	}
	bufferMaxRate, err := parseWei(tc.BufferMaxRatePerSecond, "buffer_max_rate_per_second")
	if err != nil {
		return nil, err
	}
	buffer, err := credit.NewRateLimitedBuffer(bufferCap, bufferRate, bufferMaxRate, now)
	if err != nil {
		return nil, err
	}
	return &credit.Term{
		ID: strings.TrimSpace(tc.ID),
		Params: credit.TermParams{
			CollateralToken:             strings.TrimSpace(tc.CollateralToken),
			CallFeeBps:                  tc.CallFeeBps,
			CallPeriodSeconds:           tc.CallPeriodSeconds,
			MaxDelayBetweenPartialRepay: tc.MaxDelayBetweenPartialRepay,
			MinPartialRepayBps:          tc.MinPartialRepayBps,
			OpeningFeeBps:               tc.OpeningFeeBps,
			Policy:                      credit.TermPolicyKind(strings.TrimSpace(tc.Policy)),
		},
		InterestRateBps:      tc.InterestRateBps,
		MaxDebtPerCollateral: maxDebt,
		HardCap:              hardCap,
		Buffer:               buffer,
	}, nil
}

func parseWei(raw, field string) (*big.Int, error) {
	value, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok || value.Sign() < 0 {
		return nil, fmt.Errorf("%s must be a non-negative decimal string", field)
	}
	return value, nil
}

// generateGovernorKey prints a fresh keypair for operator bootstrap: the
// bech32 address goes into the config governor list and the JWT subject
// claim, the hex key stays with the operator.
func generateGovernorKey(w io.Writer) error {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	fmt.Fprintf(w, "address: %s\n", key.PubKey().Address().String())
	fmt.Fprintf(w, "private_key: %s\n", hex.EncodeToString(key.Bytes()))
	return nil
}

// moduleAddress derives a deterministic internal address from a name.
func moduleAddress(name string) crypto.Address {
	digest := ethcrypto.Keccak256([]byte(name))
	return crypto.NewAddress(crypto.ModulePrefix, digest[len(digest)-20:])
}

// bootstrapRoles grants everything; it is installed only while config-declared
// terms are created at boot.
type bootstrapRoles struct{}

func (bootstrapRoles) HasRole(string, []byte) bool { return true }

// staticRoles resolves the governor role against the configured address list.
type staticRoles struct {
	governors map[string]struct{}
}

func newStaticRoles(addresses []string) (staticRoles, error) {
	governors := make(map[string]struct{}, len(addresses))
	for _, raw := range addresses {
		addr, err := crypto.DecodeAddress(strings.TrimSpace(raw))
		if err != nil {
			return staticRoles{}, fmt.Errorf("governor %q: %w", raw, err)
		}
		governors[string(addr.Bytes())] = struct{}{}
	}
	return staticRoles{governors: governors}, nil
}

func (r staticRoles) HasRole(role string, addr []byte) bool {
	if role != credit.RoleGovernor {
		return false
	}
	_, ok := r.governors[string(addr)]
	return ok
}

// logEmitter writes every engine event as a structured log line.
type logEmitter struct {
	logger *slog.Logger
}

func (l *logEmitter) Emit(evt events.Event) {
	if l == nil || l.logger == nil || evt == nil {
		return
	}
	attrs := []any{}
	if carrier, ok := evt.(interface{ Event() *types.Event }); ok {
		if payload := carrier.Event(); payload != nil {
			for key, value := range payload.Attributes {
				attrs = append(attrs, slog.String(key, value))
			}
		}
	}
	l.logger.Info(evt.EventType(), attrs...)
}
