// Package chain holds the vocabulary shared by every network adapter and by the
// lifecycle engine: chain descriptors, the collaborator interfaces a network has
// to implement, the signable payload union and the normalized error taxonomy.
package chain

import (
	"fmt"
	"strings"
)

// ID identifies a network. EVM networks use their decimal chain id ("1", "137"),
// slot-based networks use a name ("solana-mainnet").
type ID string

func (id ID) String() string { return string(id) }

// AddressModel describes how a network orders transactions of one signer.
type AddressModel int

const (
	AccountNonce AddressModel = iota // explicit per-account sequence number
	SlotBased                        // recent block/slot reference, no nonce
)

func (m AddressModel) String() string {
	switch m {
	case AccountNonce:
		return "account_nonce"
	case SlotBased:
		return "slot_based"
	default:
		return "unknown"
	}
}

// ParseAddressModel parses the config representation of an AddressModel.
func ParseAddressModel(s string) (AddressModel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "account_nonce", "account", "nonce", "":
		return AccountNonce, nil
	case "slot_based", "slot":
		return SlotBased, nil
	default:
		return 0, fmt.Errorf("unknown address model %q", s)
	}
}

// FeeModel describes how a network prices transactions.
type FeeModel int

const (
	FeeDynamic FeeModel = iota // base fee + priority fee (EIP-1559 style)
	FeeLegacy                  // single gas price
	FeeNone                    // no fee market parameters
)

func (m FeeModel) String() string {
	switch m {
	case FeeDynamic:
		return "dynamic"
	case FeeLegacy:
		return "legacy"
	case FeeNone:
		return "none"
	default:
		return "unknown"
	}
}

// ParseFeeModel parses the config representation of a FeeModel.
func ParseFeeModel(s string) (FeeModel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "dynamic", "eip1559", "":
		return FeeDynamic, nil
	case "legacy":
		return FeeLegacy, nil
	case "none":
		return FeeNone, nil
	default:
		return 0, fmt.Errorf("unknown fee model %q", s)
	}
}

// Type is the chain family a payload belongs to. The custody collaborator uses it
// to pick the signature scheme.
type Type string

const (
	TypeEVM  Type = "evm"
	TypeSlot Type = "slot"
)

// Descriptor is the static description of a network, loaded at startup.
type Descriptor struct {
	ID           ID
	Name         string
	AddressModel AddressModel
	FeeModel     FeeModel

	// ExplorerTxURL is a printf template with a single %s for the tx hash.
	ExplorerTxURL string
}

// Type returns the chain family implied by the address model.
func (d Descriptor) Type() Type {
	if d.AddressModel == SlotBased {
		return TypeSlot
	}
	return TypeEVM
}

// ExplorerLink returns a block explorer link for hash, or the bare hash when no
// explorer is configured.
func (d Descriptor) ExplorerLink(hash string) string {
	if d.ExplorerTxURL == "" {
		return hash
	}
	if strings.Contains(d.ExplorerTxURL, "%s") {
		return fmt.Sprintf(d.ExplorerTxURL, hash)
	}
	return strings.TrimRight(d.ExplorerTxURL, "/") + "/" + hash
}

func (d Descriptor) String() string {
	if d.Name != "" {
		return fmt.Sprintf("%s(%s)", d.Name, d.ID)
	}
	return string(d.ID)
}
