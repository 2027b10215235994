package utils

import (
	"encoding/hex"
	"strconv"

	"golang.org/x/crypto/sha3"
)

// ConsentIDLength is the number of hex characters kept from the digest
const ConsentIDLength = 32

// DeriveConsentID derives a consent id from the tuple it covers and the
// transaction that created it. Every endorser computes the same id because
// only ledger inputs are hashed.
func DeriveConsentID(patientID, granteeID uint64, scope string, txTimestamp int64, txID string) string {
	h := sha3.New256()
	for _, part := range []string{
		strconv.FormatUint(patientID, 10),
		strconv.FormatUint(granteeID, 10),
		scope,
		strconv.FormatInt(txTimestamp, 10),
		txID,
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:ConsentIDLength]
}

