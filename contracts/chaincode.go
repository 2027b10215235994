// Package contracts exposes the engines as Fabric contracts. Each exported
// method of a contract is one transaction; the caller is the X.509 identity
// of the submitting client.
package contracts

import (
	"encoding/json"

	"github.com/hyperledger/fabric-contract-api-go/contractapi"
	"github.com/hyperledger/fabric-contract-api-go/metadata"
	"github.com/rs/zerolog"

	"github.com/haven-health-passport/careledger/apperr"
	"github.com/haven-health-passport/careledger/consent"
	"github.com/haven-health-passport/careledger/identity"
	"github.com/haven-health-passport/careledger/ledger"
	"github.com/haven-health-passport/careledger/prescriptions"
	"github.com/haven-health-passport/careledger/records"
)

// Contract names as addressed by clients ("identity:Register")
const (
	IdentityContractName      = "identity"
	ConsentContractName       = "consent"
	RecordsContractName       = "records"
	PrescriptionsContractName = "prescriptions"
)

// Version is reported in the contract metadata
const Version = "1.0.0"

// Options configures the chaincode
type Options struct {
	Logger zerolog.Logger
	// AllowedMSPs restricts submitting clients to these organizations. Empty
	// allows every MSP the channel admits.
	AllowedMSPs []string
}

// NewChaincode assembles the four contracts into one chaincode
func NewChaincode(opts Options) (*contractapi.ContractChaincode, error) {
	guard := mspGuard(opts.AllowedMSPs)
	base := func(name, title string) handler {
		return handler{
			Contract: contractapi.Contract{
				Name: name,
				Info: metadata.InfoMetadata{
					Title:   title,
					Version: Version,
				},
				BeforeTransaction: guard,
			},
			log: opts.Logger.With().Str("contract", name).Logger(),
		}
	}

	cc, err := contractapi.NewChaincode(
		&IdentityContract{base(IdentityContractName, "Identity registry")},
		&ConsentContract{base(ConsentContractName, "Consent and access")},
		&RecordsContract{base(RecordsContractName, "Medical records")},
		&PrescriptionsContract{base(PrescriptionsContractName, "Prescriptions")},
	)
	if err != nil {
		return nil, err
	}
	cc.DefaultContract = IdentityContractName
	cc.Info.Title = "careledger"
	cc.Info.Version = Version
	return cc, nil
}

func mspGuard(allowed []string) func(ctx contractapi.TransactionContextInterface) error {
	set := make(map[string]bool, len(allowed))
	for _, msp := range allowed {
		set[msp] = true
	}
	return func(ctx contractapi.TransactionContextInterface) error {
		if len(set) == 0 {
			return nil
		}
		msp, err := ctx.GetClientIdentity().GetMSPID()
		if err != nil {
			return apperr.Wrap(err, "failed to get client MSP")
		}
		if !set[msp] {
			return apperr.New(apperr.Unauthorized, "clients of %s may not submit transactions", msp)
		}
		return nil
	}
}

// session holds the engines bound to the current transaction
type session struct {
	caller        string
	tx            *ledger.Tx
	registry      *identity.Registry
	consent       *consent.Engine
	records       *records.Store
	prescriptions *prescriptions.Engine
}

// handler is embedded by every contract. It has no exported methods so it
// adds no transactions.
type handler struct {
	contractapi.Contract
	log zerolog.Logger
}

func (h *handler) open(ctx contractapi.TransactionContextInterface) (*session, error) {
	caller, err := ctx.GetClientIdentity().GetID()
	if err != nil {
		return nil, apperr.Wrap(err, "failed to get client identity")
	}
	tx, err := ledger.Begin(ctx.GetStub())
	if err != nil {
		return nil, err
	}
	reg := identity.New(tx)
	ce := consent.New(tx, reg)
	return &session{
		caller:        caller,
		tx:            tx,
		registry:      reg,
		consent:       ce,
		records:       records.New(tx, reg, ce),
		prescriptions: prescriptions.New(tx, reg, ce),
	}, nil
}

// run opens a session, runs op and logs the outcome
func (h *handler) run(ctx contractapi.TransactionContextInterface, function string, op func(s *session) error) error {
	s, err := h.open(ctx)
	if err != nil {
		h.log.Error().Err(err).Str("function", function).Msg("failed to open transaction")
		return err
	}
	err = op(s)
	if err != nil {
		kind := apperr.KindOf(err)
		ev := h.log.Warn()
		if kind == apperr.Internal {
			ev = h.log.Error()
		}
		ev.Err(err).
			Str("function", function).
			Str("txId", s.tx.TxID()).
			Str("kind", string(kind)).
			Msg("transaction rejected")
		return err
	}
	h.log.Debug().
		Str("function", function).
		Str("txId", s.tx.TxID()).
		Str("caller", s.caller).
		Msg("transaction processed")
	return nil
}

// decodeList parses a JSON array argument. An empty argument is an empty
// list.
func decodeList(name, arg string, v interface{}) error {
	if arg == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(arg), v); err != nil {
		return apperr.New(apperr.InvalidInput, "failed to parse %s: %v", name, err)
	}
	return nil
}
