package devnet

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/hyperledger/fabric-chaincode-go/pkg/cid"
	"github.com/hyperledger/fabric-protos-go/msp"
)

// Creator is a client identity for submitting devnet transactions. The
// certificate is self-signed; its distinguished name alone determines the
// account id the chaincode sees, so a creator made again for the same MSP
// and name is the same account.
type Creator struct {
	Name       string
	MSPID      string
	Account    string
	Serialized []byte
}

// NewCreator makes a client identity with common name name in mspID
func NewCreator(mspID, name string) (*Creator, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial: %w", err)
	}
	now := time.Now()
	subject := pkix.Name{CommonName: name, Organization: []string{mspID}}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      subject,
		Issuer:       subject,
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.AddDate(10, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	serialized, err := proto.Marshal(&msp.SerializedIdentity{
		Mspid:   mspID,
		IdBytes: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal identity: %w", err)
	}

	id, err := cid.New(&txStub{creator: serialized})
	if err != nil {
		return nil, fmt.Errorf("failed to read identity: %w", err)
	}
	account, err := id.GetID()
	if err != nil {
		return nil, fmt.Errorf("failed to get account id: %w", err)
	}
	return &Creator{Name: name, MSPID: mspID, Account: account, Serialized: serialized}, nil
}
