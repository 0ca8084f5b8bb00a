package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmehdipour/ledger-bridge/internal/app"
	"github.com/jmehdipour/ledger-bridge/internal/model"
	"github.com/jmehdipour/ledger-bridge/internal/repository"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var seedWallets int

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Enqueue demo wallet commands into the outbox",
	RunE: func(cmd *cobra.Command, args []string) error {
		// 1) load config
		cfg, log, err := app.Load(cfgPath, "seed")
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		// 2) connect store
		sqlDB, err := app.OpenSQL(cfg.Database)
		if err != nil {
			return err
		}
		defer sqlDB.Close()

		commands := repository.NewCommandRepository(sqlDB, cfg.Dispatcher.DefaultMaxAttempts)
		n, err := seedCommands(cmd, sqlDB, commands, seedWallets)
		if err != nil {
			return err
		}
		log.Info("seed completed", zap.Int("commands", n))
		return nil
	},
}

func init() {
	seedCmd.Flags().IntVar(&seedWallets, "wallets", 5, "number of demo wallets")
}

// seedCommands enqueues one deterministic command set in a single transaction.
// Idempotency keys are fixed, so running it twice changes nothing.
func seedCommands(cmd *cobra.Command, dbx *sqlx.DB, commands repository.CommandRepository, wallets int) (int, error) {
	var batch []model.NewCommand
	add := func(aggID, aggType, cmdType, key string, payload map[string]any) {
		raw, _ := json.Marshal(payload)
		batch = append(batch, model.NewCommand{
			AggregateID:    aggID,
			AggregateType:  aggType,
			CommandType:    cmdType,
			Payload:        raw,
			IdempotencyKey: key,
		})
	}

	for i := 1; i <= wallets; i++ {
		wallet := fmt.Sprintf("w%d", i)
		owner := fmt.Sprintf("o%d", i)
		add(owner, "profile", "UpdateProfile", "seed-profile-"+owner, map[string]any{
			"ownerId": owner, "displayName": fmt.Sprintf("Demo owner %d", i), "email": owner + "@example.com",
		})
		add(wallet, "wallet", "OpenWallet", "seed-open-"+wallet, map[string]any{
			"walletId": wallet, "ownerId": owner, "currency": "EUR",
		})
		add(wallet, "wallet", "Deposit", "seed-deposit-"+wallet, map[string]any{
			"walletId": wallet, "amount": 1000 * i,
		})
	}
	for i := 1; i < wallets; i++ {
		from, to := fmt.Sprintf("w%d", i+1), fmt.Sprintf("w%d", i)
		add(from, "wallet", "Transfer", "seed-transfer-"+from+"-"+to, map[string]any{
			"fromWalletId": from, "toWalletId": to, "amount": 250,
		})
	}

	now := time.Now()
	err := repository.RunInTx(cmd.Context(), dbx, func(tx *sqlx.Tx) error {
		for _, c := range batch {
			if _, err := commands.Enqueue(cmd.Context(), tx, c, now); err != nil {
				return fmt.Errorf("enqueue %s: %w", c.IdempotencyKey, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(batch), nil
}
