package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/linkflow/flowguard/internal/machine"
	"github.com/linkflow/flowguard/internal/service"
	"github.com/linkflow/flowguard/internal/snapshot"
	"github.com/linkflow/flowguard/internal/store"
	"github.com/linkflow/flowguard/internal/workflow"
)

var (
	sendTx        bool
	stressCount   int
	stressWorkers int
	stressRate    float64
)

var createCmd = &cobra.Command{
	Use:   "create [id]",
	Short: "Create a state machine, with a generated id when none is given",
	Args:  cobra.MaximumNArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, args []string) error {
		var (
			m   machine.Machine
			err error
		)
		if len(args) == 1 {
			m, err = a.svc.Create(ctx, args[0])
		} else {
			m, err = a.svc.CreateRandom(ctx)
		}
		if err != nil {
			return err
		}
		fmt.Printf("%s %s\n", m.ID(), describe(m))
		return nil
	}),
}

var getCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Print the stored configuration of a state machine",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, args []string) error {
		m, err := a.svc.Get(ctx, args[0])
		if err != nil {
			return err
		}
		snap, err := snapshot.Build(m)
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(snap, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}),
}

var sendCmd = &cobra.Command{
	Use:   "send <id> <event>...",
	Short: "Apply events in order; if any is rejected none take effect",
	Args:  cobra.MinimumNArgs(2),
	RunE: withApp(func(ctx context.Context, a *app, args []string) error {
		id, events := args[0], args[1:]
		fn := fireAll(events)

		var err error
		if sendTx && a.svc.Transactional() {
			err = a.svc.RunTransactional(ctx, id, fn)
		} else {
			if sendTx {
				a.logger.Warn("store backend has no transactions, sending without one")
			}
			err = a.svc.Run(ctx, id, fn)
		}
		if err != nil {
			return fmt.Errorf("%s: %w", service.KindOf(err), err)
		}

		m, err := a.svc.Get(ctx, id)
		if err != nil {
			return err
		}
		fmt.Println(describe(m))
		return nil
	}),
}

var eventsCmd = &cobra.Command{
	Use:   "events <id>",
	Short: "List the events a state machine accepts now",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, args []string) error {
		events, err := a.svc.AvailableEvents(ctx, args[0])
		if err != nil {
			return err
		}
		for _, e := range events {
			fmt.Println(e)
		}
		return nil
	}),
}

var existsCmd = &cobra.Command{
	Use:   "exists <id>",
	Short: "Report whether a state machine is stored; exits 1 when it is not",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, args []string) error {
		ok, err := a.svc.Exists(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Println(ok)
		if !ok {
			return store.ErrNotFound
		}
		return nil
	}),
}

var deleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a stored state machine",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, args []string) error {
		return a.svc.Delete(ctx, args[0])
	}),
}

var stressCmd = &cobra.Command{
	Use:   "stress <id> <event>",
	Short: "Send one event many times concurrently to a single state machine",
	Args:  cobra.ExactArgs(2),
	RunE: withApp(func(ctx context.Context, a *app, args []string) error {
		if stressCount < 1 || stressWorkers < 1 {
			return fmt.Errorf("-n and -c must be at least 1, got %d and %d", stressCount, stressWorkers)
		}
		id, event := args[0], args[1]

		ok, err := a.svc.Exists(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			if _, err := a.svc.Create(ctx, id); err != nil {
				return err
			}
		}

		var limiter *rate.Limiter
		if stressRate > 0 {
			limiter = rate.NewLimiter(rate.Limit(stressRate), 1)
		}

		var succeeded, failed atomic.Int64
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(stressWorkers)
		start := time.Now()
		for i := 0; i < stressCount; i++ {
			g.Go(func() error {
				if limiter != nil {
					if err := limiter.Wait(gctx); err != nil {
						return err
					}
				}
				err := a.svc.Run(gctx, id, fireAll([]string{event}))
				switch {
				case err == nil:
					succeeded.Add(1)
				case errors.Is(err, context.Canceled):
					return err
				default:
					failed.Add(1)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		m, err := a.svc.Get(ctx, id)
		if err != nil {
			return err
		}
		fmt.Printf("ok=%d failed=%d elapsed=%s\n", succeeded.Load(), failed.Load(), time.Since(start).Round(time.Millisecond))
		fmt.Println(describe(m))
		return nil
	}),
}

func init() {
	sendCmd.Flags().BoolVar(&sendTx, "tx", false, "Run inside a database transaction")
	stressCmd.Flags().IntVarP(&stressCount, "count", "n", 100, "Number of events to send")
	stressCmd.Flags().IntVarP(&stressWorkers, "concurrency", "c", 8, "Number of concurrent senders")
	stressCmd.Flags().Float64Var(&stressRate, "rate", 0, "Maximum events per second across all senders (0: unlimited)")

	rootCmd.AddCommand(createCmd, getCmd, sendCmd, eventsCmd, existsCmd, deleteCmd, stressCmd)
}

// withApp builds the app for the duration of one command.
func withApp(run func(ctx context.Context, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close(ctx)
		return run(ctx, a, args)
	}
}

func fireAll(events []string) func(context.Context, machine.Machine) error {
	return func(ctx context.Context, m machine.Machine) error {
		wm, ok := m.(*workflow.Machine)
		if !ok {
			return fmt.Errorf("%w: %T", workflow.ErrUnsupportedMachine, m)
		}
		for _, e := range events {
			if err := wm.Fire(ctx, e); err != nil {
				return err
			}
		}
		return nil
	}
}

func describe(m machine.Machine) string {
	if wm, ok := m.(*workflow.Machine); ok {
		return strings.Join(wm.ActiveIDs(), " > ")
	}
	return m.State().ID
}
