package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/haven-health-passport/careledger/devnet"
)

type localFlags struct {
	ledger string
	as     string
	msp    string
}

func (a *app) localCmd() *cobra.Command {
	f := &localFlags{}
	cmd := &cobra.Command{
		Use:   "local",
		Short: "Run transactions against a local devnet journal",
	}
	cmd.PersistentFlags().StringVar(&f.ledger, "ledger", "", "journal directory (default LEDGER_PATH)")
	cmd.PersistentFlags().StringVar(&f.as, "as", "", "name of the submitting client")
	cmd.PersistentFlags().StringVar(&f.msp, "msp", "", "MSP of the submitting client (default LOCAL_MSP_ID)")

	cmd.AddCommand(&cobra.Command{
		Use:   "submit FUNCTION [ARG...]",
		Short: "Submit a transaction, e.g. consent:GrantConsent",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.invoke(cmd, f, args, true)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "evaluate FUNCTION [ARG...]",
		Short: "Evaluate a query without committing",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.invoke(cmd, f, args, false)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Check the block hash chain and world state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := devnet.OpenJournal(a.ledgerPath(f))
			if err != nil {
				return err
			}
			defer j.Close()
			count, err := j.Verify()
			if err != nil {
				return err
			}
			head, err := j.Head()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "verified %d blocks, head %s\n", count, head.Hash)
			return nil
		},
	})

	var from uint64
	events := &cobra.Command{
		Use:   "events",
		Short: "List the events of committed blocks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := devnet.OpenJournal(a.ledgerPath(f))
			if err != nil {
				return err
			}
			defer j.Close()
			return j.Blocks(from, func(b *devnet.Block) error {
				if b.Event == nil {
					return nil
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%s\t%s\n", b.Number, b.TxID, b.Event.Name, b.Event.Payload)
				return err
			})
		},
	}
	events.Flags().Uint64Var(&from, "from", 1, "first block")
	cmd.AddCommand(events)

	cmd.AddCommand(&cobra.Command{
		Use:   "whoami",
		Short: "Print the account id of the --as client",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			creator, err := a.creator(f)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), creator.Account)
			return nil
		},
	})
	return cmd
}

func (a *app) ledgerPath(f *localFlags) string {
	if f.ledger != "" {
		return f.ledger
	}
	return a.cfg.LedgerPath
}

func (a *app) creator(f *localFlags) (*devnet.Creator, error) {
	if f.as == "" {
		return nil, errors.New("--as is required")
	}
	msp := f.msp
	if msp == "" {
		msp = a.cfg.LocalMSPID
	}
	return devnet.NewCreator(msp, f.as)
}

func (a *app) invoke(cmd *cobra.Command, f *localFlags, args []string, submit bool) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	creator, err := a.creator(f)
	if err != nil {
		return err
	}
	cc, err := a.chaincode()
	if err != nil {
		return err
	}
	j, err := devnet.OpenJournal(a.ledgerPath(f))
	if err != nil {
		return err
	}
	defer j.Close()

	opts := []devnet.Option{devnet.WithLogger(a.log)}
	if submit && a.cfg.RedisURL != "" {
		pub, err := devnet.NewRedisPublisher(ctx, a.cfg.RedisURL, a.cfg.RedisStream)
		if err != nil {
			return err
		}
		defer pub.Close()
		opts = append(opts, devnet.WithPublisher(pub))
	}
	net := devnet.New(j, cc, opts...)
	defer net.Close()

	inv := &devnet.Invocation{Function: args[0], Args: args[1:], Creator: creator}
	var res *devnet.Result
	if submit {
		res, err = net.Submit(ctx, inv)
	} else {
		res, err = net.Evaluate(ctx, inv)
	}
	if err != nil {
		return err
	}
	return printResult(cmd.OutOrStdout(), res)
}

func printResult(w io.Writer, res *devnet.Result) error {
	if len(res.Payload) > 0 {
		if _, err := fmt.Fprintln(w, string(res.Payload)); err != nil {
			return err
		}
	}
	if res.Block > 0 {
		_, err := fmt.Fprintf(w, "committed tx %s in block %d\n", res.TxID, res.Block)
		return err
	}
	return nil
}
