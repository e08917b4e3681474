package escrow

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"lukechampine.com/blake3"
)

const capabilityDomain = "escrowdao/release-capability/v1"

// Capability is the credential the ledger issues to the registered dispute
// engine. The ledger only retains a keyed digest of the secret, and every
// ReleaseTo call presents the capability for verification.
type Capability struct {
	Holder common.Address
	Secret [32]byte
}

// IsZero reports whether the capability was never issued.
func (c Capability) IsZero() bool {
	return c.Holder == (common.Address{}) && c.Secret == [32]byte{}
}

func (c Capability) digest() [32]byte {
	hasher := blake3.New(32, c.Secret[:])
	hasher.Write([]byte(capabilityDomain))
	hasher.Write(c.Holder.Bytes())
	var out [32]byte
	copy(out[:], hasher.Sum(nil))
	return out
}

// arbiterRecord is the persisted registration of the dispute engine.
type arbiterRecord struct {
	Holder common.Address
	Digest [32]byte
}

func newCapability(holder common.Address) (Capability, error) {
	capability := Capability{Holder: holder}
	if _, err := rand.Read(capability.Secret[:]); err != nil {
		return Capability{}, fmt.Errorf("escrow: generate capability: %w", err)
	}
	return capability, nil
}

func (r *arbiterRecord) verify(c Capability) bool {
	if r == nil || r.Holder == (common.Address{}) || c.Holder != r.Holder {
		return false
	}
	digest := c.digest()
	return subtle.ConstantTimeCompare(digest[:], r.Digest[:]) == 1
}
