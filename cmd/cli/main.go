// Package main is the admin CLI of the accounting service. It talks to
// the database directly with the same service layer as the API server,
// so it works even when the HTTP surface is down.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/openvlab/accounting/internal/config"
	"github.com/openvlab/accounting/internal/database"
	"github.com/openvlab/accounting/internal/repository"
	"github.com/openvlab/accounting/internal/service"
)

type app struct {
	db  *sql.DB
	svc *service.Service
}

func (a *app) connect(ctx context.Context) error {
	cfg := config.Load()
	logger := zerolog.New(os.Stderr).Level(zerolog.WarnLevel).With().Timestamp().Logger()
	db, err := database.Connect(ctx, database.Config{
		URL:             cfg.DatabaseURL,
		MaxOpenConns:    2,
		MaxIdleConns:    1,
		ConnMaxLifetime: time.Minute,
		ConnMaxIdleTime: time.Minute,
	}, logger)
	if err != nil {
		return err
	}
	a.db = db
	a.svc = service.New(db, cfg, logger)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseUUIDArg(arg, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(arg)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s: %w", name, err)
	}
	return id, nil
}

func main() {
	a := &app{}

	root := &cobra.Command{
		Use:           "accounting-cli",
		Short:         "Admin CLI for the accounting service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.connect(cmd.Context())
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.db != nil {
				a.db.Close()
			}
		},
	}

	root.AddCommand(balanceCmd(a), accountCmd(a), priceCmd(a), taskCmd(a))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func balanceCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Inspect account balances",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "system",
		Short: "Show the system account balance",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			balance, err := a.svc.GetSystemBalance(c.Context())
			if err != nil {
				return err
			}
			return printJSON(balance)
		},
	})

	var includeProjects bool
	vlab := &cobra.Command{
		Use:   "virtual-lab <vlab-id>",
		Short: "Show a virtual lab balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			vlabID, err := parseUUIDArg(args[0], "vlab id")
			if err != nil {
				return err
			}
			balance, err := a.svc.GetVlabBalance(c.Context(), vlabID, includeProjects)
			if err != nil {
				return err
			}
			return printJSON(balance)
		},
	}
	vlab.Flags().BoolVar(&includeProjects, "projects", false, "include per-project balances")
	cmd.AddCommand(vlab)

	cmd.AddCommand(&cobra.Command{
		Use:   "project <proj-id>",
		Short: "Show a project balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			projID, err := parseUUIDArg(args[0], "project id")
			if err != nil {
				return err
			}
			balance, err := a.svc.GetProjBalance(c.Context(), projID)
			if err != nil {
				return err
			}
			return printJSON(balance)
		},
	})

	return cmd
}

func accountCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Create accounts",
	}

	var name string
	var id string
	var balanceStr string
	var vlabIDStr string

	parseID := func() (uuid.UUID, error) {
		if id == "" {
			return uuid.New(), nil
		}
		return parseUUIDArg(id, "id")
	}

	sys := &cobra.Command{
		Use:   "create-system",
		Short: "Create the system account",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			accountID, err := parseID()
			if err != nil {
				return err
			}
			account, err := a.svc.CreateSystemAccount(c.Context(), accountID, name)
			if err != nil {
				return err
			}
			return printJSON(account)
		},
	}

	vlab := &cobra.Command{
		Use:   "create-virtual-lab",
		Short: "Create a virtual lab account",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			accountID, err := parseID()
			if err != nil {
				return err
			}
			balance, err := decimal.NewFromString(balanceStr)
			if err != nil {
				return fmt.Errorf("invalid balance: %w", err)
			}
			account, err := a.svc.CreateVlabAccount(c.Context(), accountID, name, balance)
			if err != nil {
				return err
			}
			return printJSON(account)
		},
	}
	vlab.Flags().StringVar(&balanceStr, "balance", "0", "initial balance")

	proj := &cobra.Command{
		Use:   "create-project",
		Short: "Create a project account under a virtual lab",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			accountID, err := parseID()
			if err != nil {
				return err
			}
			vlabID, err := parseUUIDArg(vlabIDStr, "vlab id")
			if err != nil {
				return err
			}
			account, err := a.svc.CreateProjAccount(c.Context(), accountID, name, vlabID)
			if err != nil {
				return err
			}
			return printJSON(account)
		},
	}
	proj.Flags().StringVar(&vlabIDStr, "vlab-id", "", "parent virtual lab id")
	proj.MarkFlagRequired("vlab-id")

	for _, c := range []*cobra.Command{sys, vlab, proj} {
		c.Flags().StringVar(&name, "name", "", "account name")
		c.MarkFlagRequired("name")
		c.Flags().StringVar(&id, "id", "", "account id (random when omitted)")
		cmd.AddCommand(c)
	}
	return cmd
}

func priceCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "price",
		Short: "Inspect prices",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all price records",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			prices, err := a.svc.ListPrices(c.Context())
			if err != nil {
				return err
			}
			return printJSON(prices)
		},
	})
	return cmd
}

func taskCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Inspect the periodic task registry",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered tasks with their last run outcome",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			var out any
			err := database.RunInTx(c.Context(), a.db, func(tx *sql.Tx) error {
				tasks, err := repository.NewGroup(tx).Task.List(c.Context())
				out = tasks
				return err
			})
			if err != nil {
				return err
			}
			return printJSON(out)
		},
	})
	return cmd
}
