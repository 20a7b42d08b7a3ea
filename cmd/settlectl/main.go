package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/MikeMC777/checkout-settlement/internal/config"
	"github.com/MikeMC777/checkout-settlement/internal/order"
	"github.com/MikeMC777/checkout-settlement/internal/reconcile"
	"github.com/MikeMC777/checkout-settlement/internal/telemetry"
)

var Version = "dev"

// backend opens the stores a command needs. Tests swap it for in-memory ones.
type backend interface {
	Repo(ctx context.Context) (order.Repository, func(), error)
	Migrate(ctx context.Context) error
	Queue() (reconcile.Queue, func(), error)
	Config() config.Config
}

func main() {
	cfg := config.Load()
	telemetry.InitLogger(cfg.LogLevel)
	if err := newRootCmd(envBackend{cfg: cfg}).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(b backend) *cobra.Command {
	root := &cobra.Command{
		Use:           "settlectl",
		Short:         "Operator tooling for checkout settlement",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(migrateCmd(b), sweepCmd(b), reconcileCmd(b))
	return root
}

func migrateCmd(b backend) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the orders schema to Postgres",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := b.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
			return nil
		},
	}
}

func sweepCmd(b backend) *cobra.Command {
	var batch int
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Fail every order whose settlement window has elapsed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if batch < 1 {
				return errors.New("--batch must be positive")
			}
			batch = order.StaleBatch(batch)
			repo, done, err := b.Repo(cmd.Context())
			if err != nil {
				return err
			}
			defer done()
			ledger := order.NewLedger(repo, order.WithSettlementWindow(b.Config().SettlementWindow))
			total := 0
			for {
				n, err := ledger.ExpireStale(cmd.Context(), batch)
				total += n
				if err != nil {
					return fmt.Errorf("sweep: %w (expired %d)", err, total)
				}
				if n < batch {
					break
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "expired %d orders\n", total)
			return nil
		},
	}
	cmd.Flags().IntVarP(&batch, "batch", "b", 100, fmt.Sprintf("orders per pass (at most %d)", order.MaxStaleBatch))
	return cmd
}

func reconcileCmd(b backend) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Inspect and drain the reconciliation queue",
	}

	var (
		limit  int
		asJSON bool
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List open cases, oldest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, done, err := b.Queue()
			if err != nil {
				return err
			}
			defer done()
			entries, err := q.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}
			printEntries(cmd.OutOrStdout(), entries)
			return nil
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 50, "maximum cases (0 for all)")
	list.Flags().BoolVarP(&asJSON, "json", "j", false, "output as JSON")

	pop := &cobra.Command{
		Use:   "pop",
		Short: "Remove the oldest case once it has been handled",
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, done, err := b.Queue()
			if err != nil {
				return err
			}
			defer done()
			e, err := q.Pop(cmd.Context())
			if errors.Is(err, reconcile.ErrEmpty) {
				fmt.Fprintln(cmd.OutOrStdout(), "queue is empty")
				return nil
			}
			if err != nil {
				return err
			}
			printEntries(cmd.OutOrStdout(), []reconcile.Entry{e})
			return nil
		},
	}

	cmd.AddCommand(list, pop)
	return cmd
}

func printEntries(w io.Writer, entries []reconcile.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "no open cases")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CREATED\tKIND\tORDER\tINTENT\tPAYMENT\tAMOUNT\tDETAIL")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s %s\t%s\n",
			e.CreatedAt.Format(time.RFC3339), e.Kind, dash(e.OrderID), dash(e.GatewayIntentID),
			dash(e.GatewayPaymentID), e.Amount, e.Currency, e.Detail)
	}
	_ = tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

type envBackend struct{ cfg config.Config }

func (e envBackend) Config() config.Config { return e.cfg }

func (e envBackend) pg(ctx context.Context) (*order.PGRepo, func(), error) {
	pool, err := order.NewPool(ctx, e.cfg.PostgresDSN, e.cfg.DBMaxConns)
	if err != nil {
		return nil, nil, err
	}
	return order.NewPGRepo(pool, e.cfg.DBTimeout), pool.Close, nil
}

func (e envBackend) Repo(ctx context.Context) (order.Repository, func(), error) {
	return e.pg(ctx)
}

func (e envBackend) Migrate(ctx context.Context) error {
	repo, done, err := e.pg(ctx)
	if err != nil {
		return err
	}
	defer done()
	return repo.Migrate(ctx)
}

func (e envBackend) Queue() (reconcile.Queue, func(), error) {
	if e.cfg.RedisAddr == "" {
		return nil, nil, errors.New("REDIS_ADDR is not set")
	}
	q := reconcile.NewRedisQueue(e.cfg.RedisAddr, e.cfg.ReconcileKey)
	return q, func() { _ = q.Close() }, nil
}
