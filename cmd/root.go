// Package cmd is the careledger command line: running the chaincode under a
// peer or as a service, and driving a local devnet journal.
package cmd

import (
	"fmt"

	"github.com/hyperledger/fabric-contract-api-go/contractapi"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/haven-health-passport/careledger/config"
	"github.com/haven-health-passport/careledger/contracts"
)

type app struct {
	cfg *config.Config
	log zerolog.Logger
}

// NewRootCommand returns the careledger command. Run without a subcommand
// it starts the chaincode under a peer, which passes its own flags.
func NewRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:                "careledger",
		Short:              "Health identity, consent, records and prescriptions chaincode",
		SilenceUsage:       true,
		Args:               cobra.ArbitraryArgs,
		FParseErrWhitelist: cobra.FParseErrWhitelist{UnknownFlags: true},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.start()
		},
	}
	root.AddCommand(a.startCmd())
	root.AddCommand(a.serveCmd())
	root.AddCommand(a.localCmd())
	return root
}

func (a *app) load() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg
	a.log = cfg.Logger()
	return nil
}

func (a *app) chaincode() (*contractapi.ContractChaincode, error) {
	cc, err := contracts.NewChaincode(contracts.Options{
		Logger:      a.log,
		AllowedMSPs: a.cfg.AllowedMSPs,
	})
	if err != nil {
		return nil, fmt.Errorf("error creating careledger chaincode: %w", err)
	}
	return cc, nil
}
