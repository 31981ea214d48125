package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alejandrodnm/polycopy/config"
	"github.com/alejandrodnm/polycopy/internal/adapters/notify"
	"github.com/alejandrodnm/polycopy/internal/adapters/onchain"
	"github.com/alejandrodnm/polycopy/internal/adapters/paper"
	"github.com/alejandrodnm/polycopy/internal/adapters/polymarket"
	"github.com/alejandrodnm/polycopy/internal/adapters/storage"
	"github.com/alejandrodnm/polycopy/internal/ports"
)

const paperOwner = "0x0000000000000000000000000000000000000000"

// wallet agrupa los adapters de la wallet local: reales o simulados.
type wallet struct {
	owner     string
	orders    ports.OrderSubmitter
	balance   ports.BalanceProvider
	positions ports.PositionProvider
	closers   []func()
}

func (w *wallet) Close() {
	for _, c := range w.closers {
		c()
	}
}

// openWallet arma la wallet que copia. In dry-run mode nothing is signed and
// fills are simulated against the live book.
func openWallet(ctx context.Context, cfg *config.Config, client *polymarket.Client, opts options) (*wallet, error) {
	if opts.dryRun {
		owner := cfg.Wallet.ProxyAddress
		if owner == "" {
			owner = paperOwner
		}
		pw := paper.NewWallet(client, strings.ToLower(owner), opts.paperBalance)
		slog.Info("=== DRY RUN: orders are simulated, nothing is submitted ===",
			"balance", fmt.Sprintf("$%.2f", opts.paperBalance))
		return &wallet{owner: owner, orders: pw, balance: pw, positions: pw}, nil
	}

	if err := cfg.RequireTrading(); err != nil {
		return nil, err
	}

	auth, err := polymarket.NewAuthClient(cfg.API.CLOBBase, cfg.API.DataBase, cfg.Wallet.PrivateKey, cfg.Wallet.ProxyAddress)
	if err != nil {
		return nil, fmt.Errorf("create auth client: %w", err)
	}
	if err := auth.EnsureCreds(ctx); err != nil {
		return nil, fmt.Errorf("derive API credentials, check POLY_PRIVATE_KEY: %w", err)
	}
	slog.Info("authenticated with Polymarket CLOB", "signer", auth.Address(), "funder", auth.Funder())

	chain, err := onchain.Dial(ctx, cfg.API.RPCURL, auth.Funder())
	if err != nil {
		return nil, err
	}

	approvals, err := chain.CheckApprovals(ctx)
	if err != nil {
		slog.Warn("could not read on-chain approvals", "err", err)
	}
	for _, a := range approvals {
		if !a.OK {
			slog.Warn("missing approval, orders may be rejected", "approval", a.Name, "spender", a.Spender)
		}
	}

	return &wallet{
		owner:     auth.Funder(),
		orders:    polymarket.NewTradingClient(auth),
		balance:   chain,
		positions: client,
		closers:   []func(){chain.Close},
	}, nil
}

// printStartup muestra saldo, posiciones propias y el snapshot de cada trader.
func printStartup(ctx context.Context, cfg *config.Config, store *storage.SQLiteStorage, w *wallet, console *notify.Console) {
	bal, err := w.balance.AvailableBalance(ctx)
	if err != nil {
		slog.Warn("startup: balance unavailable", "err", err)
	}
	positions, err := w.positions.FetchPositions(ctx, w.owner)
	if err != nil {
		slog.Warn("startup: positions unavailable", "err", err)
	}
	console.PrintWallet(w.owner, bal, positions)
	console.PrintTraders(cfg.Traders, storedPositionCounts(ctx, store, cfg.Traders))
}

func storedPositionCounts(ctx context.Context, store ports.PositionStore, traders []string) map[string]int {
	counts := make(map[string]int, len(traders))
	for _, t := range traders {
		ps, err := store.Positions(ctx, t)
		if err != nil {
			slog.Warn("stored positions unavailable", "trader", t, "err", err)
			continue
		}
		counts[t] = len(ps)
	}
	return counts
}

// walletAddress resuelve la dirección que tiene los fondos sin conectarse a nada.
func walletAddress(cfg *config.Config) (string, error) {
	if cfg.Wallet.PrivateKey != "" {
		auth, err := polymarket.NewAuthClient(cfg.API.CLOBBase, cfg.API.DataBase, cfg.Wallet.PrivateKey, cfg.Wallet.ProxyAddress)
		if err != nil {
			return "", err
		}
		return auth.Funder(), nil
	}
	if cfg.Wallet.ProxyAddress != "" {
		return cfg.Wallet.ProxyAddress, nil
	}
	return "", fmt.Errorf("no wallet configured: set POLY_PRIVATE_KEY or PROXY_WALLET")
}
