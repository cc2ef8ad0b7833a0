package testutil

import (
	"crypto/ed25519"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/aptopilot/txengine/chain"
)

// ============================================================
// Test Addresses
// ============================================================

var (
	// TestAddr1 is a common test address for "from" addresses
	TestAddr1 = common.HexToAddress("0x1111111111111111111111111111111111111111")
	// TestAddr2 is a common test address for "to" addresses
	TestAddr2 = common.HexToAddress("0x2222222222222222222222222222222222222222")
	// TestAddr3 is an additional test address
	TestAddr3 = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

// ============================================================
// Test Keys
// ============================================================

// The keys below stand in for the custody service in tests. Engine code never
// sees them.
var (
	// TestPrivateKeyHex is a test private key in hex format
	TestPrivateKeyHex = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	// TestPrivateKey1 is a parsed ECDSA private key for testing
	TestPrivateKey1, _ = crypto.HexToECDSA(TestPrivateKeyHex)
	// TestPrivateKey1Address is the address derived from TestPrivateKey1
	TestPrivateKey1Address = crypto.PubkeyToAddress(TestPrivateKey1.PublicKey)

	// TestEd25519Key signs slot-chain messages
	TestEd25519Key = ed25519.NewKeyFromSeed(common.FromHex(TestPrivateKeyHex))
)

// ============================================================
// Common Values
// ============================================================

var (
	// OneEth represents 1 ETH in wei
	OneEth = big.NewInt(1000000000000000000)
	// TwentyGwei represents 20 gwei
	TwentyGwei = big.NewInt(20000000000)
	// TwoGwei represents 2 gwei
	TwoGwei = big.NewInt(2000000000)
	// OneGwei represents 1 gwei
	OneGwei = big.NewInt(1000000000)
)

// Gwei returns n gwei in wei.
func Gwei(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), OneGwei)
}

// ============================================================
// Chains
// ============================================================

var (
	// ChainIDMainnet is the chain ID for Ethereum mainnet
	ChainIDMainnet = big.NewInt(1)

	// MainnetID is the registry key of the chain above
	MainnetID = chain.ID("1")
	// SolanaID is a slot-based test chain
	SolanaID = chain.ID("solana-devnet")
)

var (
	// MainnetDescriptor describes a dynamic-fee account chain
	MainnetDescriptor = chain.Descriptor{
		ID:            MainnetID,
		Name:          "ethereum",
		AddressModel:  chain.AccountNonce,
		FeeModel:      chain.FeeDynamic,
		ExplorerTxURL: "https://etherscan.io/tx/%s",
	}
	// SolanaDescriptor describes a slot-based chain
	SolanaDescriptor = chain.Descriptor{
		ID:            SolanaID,
		Name:          "solana",
		AddressModel:  chain.SlotBased,
		FeeModel:      chain.FeeNone,
		ExplorerTxURL: "https://explorer.solana.com/tx/%s?cluster=devnet",
	}
)
