package cmd

import (
	"fmt"
	"os"

	"github.com/hyperledger/fabric-chaincode-go/shim"
	"github.com/spf13/cobra"
)

func (a *app) startCmd() *cobra.Command {
	return &cobra.Command{
		Use:                "start",
		Short:              "Start the chaincode under a peer",
		FParseErrWhitelist: cobra.FParseErrWhitelist{UnknownFlags: true},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.start()
		},
	}
}

func (a *app) start() error {
	cc, err := a.chaincode()
	if err != nil {
		return err
	}
	a.log.Info().Msg("starting careledger chaincode")
	if err := cc.Start(); err != nil {
		return fmt.Errorf("error starting careledger chaincode: %w", err)
	}
	return nil
}

func (a *app) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the chaincode as an external service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.cfg.ValidateServer(); err != nil {
				return err
			}
			cc, err := a.chaincode()
			if err != nil {
				return err
			}
			tls, err := a.tlsProperties()
			if err != nil {
				return err
			}
			server := &shim.ChaincodeServer{
				CCID:     a.cfg.ChaincodeID,
				Address:  a.cfg.ChaincodeAddress,
				CC:       cc,
				TLSProps: tls,
			}
			a.log.Info().
				Str("ccid", a.cfg.ChaincodeID).
				Str("address", a.cfg.ChaincodeAddress).
				Bool("tls", !tls.Disabled).
				Msg("serving careledger chaincode")
			if err := server.Start(); err != nil {
				return fmt.Errorf("error serving careledger chaincode: %w", err)
			}
			return nil
		},
	}
}

func (a *app) tlsProperties() (shim.TLSProperties, error) {
	props := shim.TLSProperties{Disabled: a.cfg.TLSDisabled}
	if props.Disabled {
		return props, nil
	}
	var err error
	if props.Key, err = os.ReadFile(a.cfg.TLSKeyFile); err != nil {
		return props, fmt.Errorf("failed to read TLS key: %w", err)
	}
	if props.Cert, err = os.ReadFile(a.cfg.TLSCertFile); err != nil {
		return props, fmt.Errorf("failed to read TLS certificate: %w", err)
	}
	if a.cfg.ClientCACertFile != "" {
		if props.ClientCACerts, err = os.ReadFile(a.cfg.ClientCACertFile); err != nil {
			return props, fmt.Errorf("failed to read client CA certificate: %w", err)
		}
	}
	return props, nil
}
