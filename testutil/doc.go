// Package testutil provides testing utilities for txengine.
//
// This package contains test fixtures, builders, and scriptable collaborators
// that are shared by the tests of txengine and its subpackages. It imports only
// the chain and notify packages so any other package can use it from its tests.
//
// # Test Fixtures
//
// Common test values are provided:
//   - TestAddr1, TestAddr2, TestAddr3: Common test addresses
//   - TestPrivateKey1, TestEd25519Key: Keys held by the mock custodian
//   - OneEth, TwentyGwei, TwoGwei, Gwei: Common value constants
//   - MainnetDescriptor, SolanaDescriptor: Chain descriptors
//
// # Builders
//
//   - NewTx, NewDynamicTx: Ethereum transactions
//   - NewSuccessReceipt, NewFailedReceipt: Receipts
//   - NewInstruction, NewFeeQuote: Engine request values
//
// # Collaborators
//
//   - MockChainClient: chain.Client and chain.NonceSource with scripted results
//   - MockCustodian: custody service signing with the test keys
//   - MockNotifier, MockStatusLookup, MockRelay
//
// # Example Usage
//
//	func TestMyFunction(t *testing.T) {
//	    client := testutil.NewMockChainClient()
//	    client.SetNonces(5, 5)
//	    client.SetBroadcastErrors(chain.NewError(chain.KindNonceConflict, "broadcast", nil))
//
//	    registry := chain.NewRegistry()
//	    _ = registry.Register(testutil.MainnetDescriptor, client)
//	    // ...
//	}
package testutil
