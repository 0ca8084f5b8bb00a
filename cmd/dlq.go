package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jmehdipour/ledger-bridge/internal/app"
	"github.com/jmehdipour/ledger-bridge/internal/deadletter"
	"github.com/jmehdipour/ledger-bridge/internal/model"
	"github.com/spf13/cobra"
)

func newDLQCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect, replay or discard dead letters",
	}

	var (
		source     string
		unresolved bool
		since      time.Duration
		limit      int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "Print dead letters as JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDeadLetters(cmd, func(svc *deadletter.Service) error {
				f := model.DeadLetterFilter{
					SourceType:     model.SourceType(strings.ToUpper(source)),
					UnresolvedOnly: unresolved,
					Limit:          limit,
				}
				if since > 0 {
					f.FailedFrom = time.Now().Add(-since)
				}
				entries, err := svc.List(cmd.Context(), f)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(os.Stdout)
				for _, e := range entries {
					if err := enc.Encode(e); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	list.Flags().StringVar(&source, "source", "", "COMMAND or EVENT")
	list.Flags().BoolVar(&unresolved, "unresolved", true, "only entries not yet replayed or discarded")
	list.Flags().DurationVar(&since, "since", 0, "only entries that failed within this window")
	list.Flags().IntVar(&limit, "limit", 100, "max entries")

	replay := &cobra.Command{
		Use:   "replay <id>",
		Short: "Send a dead letter back through normal processing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDeadLetters(cmd, func(svc *deadletter.Service) error {
				e, err := svc.Replay(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return json.NewEncoder(os.Stdout).Encode(e)
			})
		},
	}

	discard := &cobra.Command{
		Use:   "discard <id>",
		Short: "Mark a dead letter as discarded",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDeadLetters(cmd, func(svc *deadletter.Service) error {
				e, err := svc.Discard(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return json.NewEncoder(os.Stdout).Encode(e)
			})
		},
	}

	cmd.AddCommand(list, replay, discard)
	return cmd
}

func withDeadLetters(cmd *cobra.Command, fn func(*deadletter.Service) error) error {
	cfg, log, err := app.Load(cfgPath, "dlq")
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	sqlDB, err := app.OpenSQL(cfg.Database)
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	if err := fn(app.DeadLetterService(sqlDB, cfg, log)); err != nil {
		return fmt.Errorf("dlq %s: %w", cmd.Name(), err)
	}
	return nil
}
