package offline

import (
	"crypto/sha256"
	"fmt"
	"regexp"

	"github.com/stellar/go/strkey"
	"github.com/upb/funding-control-plane/ledger"
)

// Classic XRPL addresses use the Ripple base58 alphabet, which has the same
// characters as Bitcoin's in a different order.
var xrplClassicAddress = regexp.MustCompile(`^r[1-9A-HJ-NP-Za-km-z]{24,34}$`)

// ValidateXRPLAddress checks the classic address format
func ValidateXRPLAddress(address string) error {
	if !xrplClassicAddress.MatchString(address) {
		return fmt.Errorf("%w: %q is not a classic XRPL address", ledger.ErrInvalidAddress, address)
	}
	return nil
}

// ValidateStellarAddress decodes a G... account id, checksum included
func ValidateStellarAddress(address string) error {
	if _, err := strkey.Decode(strkey.VersionByteAccountID, address); err != nil {
		return fmt.Errorf("%w: %q: %v", ledger.ErrInvalidAddress, address, err)
	}
	return nil
}

// StellarAddressFor derives a deterministic, well-formed account id from
// label. It is used for demo accounts and fixtures; nobody holds its key.
func StellarAddressFor(label string) string {
	sum := sha256.Sum256([]byte(label))
	address, err := strkey.Encode(strkey.VersionByteAccountID, sum[:])
	if err != nil {
		panic(fmt.Sprintf("strkey encode: %v", err))
	}
	return address
}
