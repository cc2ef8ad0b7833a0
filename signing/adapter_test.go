package signing

import (
	"context"
	"crypto/ed25519"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aptopilot/txengine/chain"
	"github.com/aptopilot/txengine/chain/evm"
	"github.com/aptopilot/txengine/chain/slot"
	"github.com/aptopilot/txengine/testutil"
)

func evmPayload() *evm.Payload {
	return evm.NewPayload(testutil.NewTx(5, testutil.TestAddr2, testutil.OneEth), testutil.ChainIDMainnet)
}

func slotMessage() []byte {
	payer := testutil.TestEd25519Key.Public().(ed25519.PublicKey)
	msg := []byte{1, 0, 0, 1}
	msg = append(msg, payer...)
	msg = append(msg, make([]byte, 32)...)
	return append(msg, 0)
}

func TestSign_EVM(t *testing.T) {
	for _, legacyV := range []bool{false, true} {
		custodian := testutil.NewMockCustodian()
		custodian.LegacyV = legacyV
		a := NewAdapter(custodian)

		signed, err := a.Sign(context.Background(), Request{
			Handle:         "user-1",
			Payload:        evmPayload(),
			ExpectedSigner: testutil.TestPrivateKey1Address.Hex(),
		})
		require.NoError(t, err)
		assert.Equal(t, chain.TypeEVM, signed.ChainType)
		assert.Equal(t, []string{"user-1"}, custodian.Handles())

		var tx types.Transaction
		require.NoError(t, tx.UnmarshalBinary(signed.Raw))
		from, err := types.Sender(types.LatestSignerForChainID(testutil.ChainIDMainnet), &tx)
		require.NoError(t, err)
		assert.Equal(t, testutil.TestPrivateKey1Address, from)
	}
}

func TestSign_CustodianSeesPrefixedHex(t *testing.T) {
	var got string
	a := NewAdapter(CustodianFunc(func(_ context.Context, _, unsignedHex string, _ chain.Type) (string, error) {
		got = unsignedHex
		return "", &Error{Code: CodeRejected}
	}))
	_, err := a.Sign(context.Background(), Request{Handle: "h", Payload: evmPayload()})
	require.Error(t, err)
	assert.True(t, len(got) > 2 && got[:2] == "0x")

	_, err = a.Sign(context.Background(), Request{Handle: "h", Payload: slot.NewPayload(slotMessage(), "")})
	require.Error(t, err)
	assert.NotEqual(t, "0x", got[:2])
}

func TestSign_Slot(t *testing.T) {
	custodian := testutil.NewMockCustodian()
	a := NewAdapter(custodian)
	payer := base58.Encode(testutil.TestEd25519Key.Public().(ed25519.PublicKey))

	signed, err := a.Sign(context.Background(), Request{
		Handle:         "user-1",
		Payload:        slot.NewPayload(slotMessage(), ""),
		ExpectedSigner: payer,
	})
	require.NoError(t, err)
	assert.Equal(t, chain.TypeSlot, signed.ChainType)
	assert.Len(t, signed.Raw, 1+64+len(slotMessage()))
}

func TestSign_Base58Signature(t *testing.T) {
	msg := slotMessage()
	a := NewAdapter(CustodianFunc(func(context.Context, string, string, chain.Type) (string, error) {
		return base58.Encode(ed25519.Sign(testutil.TestEd25519Key, msg)), nil
	}))
	signed, err := a.Sign(context.Background(), Request{Handle: "h", Payload: slot.NewPayload(msg, "")})
	require.NoError(t, err)
	assert.NotEmpty(t, signed.Hash)
}

func TestSign_ErrorTaxonomy(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want chain.Kind
	}{
		{"signer unavailable", &Error{Code: CodeSignerUnavailable, Message: "no key for owner"}, chain.KindSignerUnavailable},
		{"rejected", &Error{Code: CodeRejected, Message: "daily limit"}, chain.KindRejected},
		{"custody timeout", &Error{Code: CodeTimeout}, chain.KindTimeout},
		{"transport", errors.New("connection reset by peer"), chain.KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			custodian := testutil.NewMockCustodian()
			custodian.Err = tt.err
			_, err := NewAdapter(custodian).Sign(context.Background(), Request{Handle: "h", Payload: evmPayload()})
			require.Error(t, err)
			assert.Equal(t, tt.want, chain.KindOf(err))
			assert.Equal(t, 1, custodian.Calls(), "signing is never retried here")
		})
	}
}

func TestSign_Timeout(t *testing.T) {
	custodian := testutil.NewMockCustodian()
	custodian.Delay = time.Second
	a := NewAdapter(custodian, WithTimeout(20*time.Millisecond))

	_, err := a.Sign(context.Background(), Request{Handle: "h", Payload: evmPayload()})
	assert.True(t, chain.IsKind(err, chain.KindTimeout))
}

func TestSign_WrongSigner(t *testing.T) {
	a := NewAdapter(testutil.NewMockCustodian())
	_, err := a.Sign(context.Background(), Request{
		Handle:         "h",
		Payload:        evmPayload(),
		ExpectedSigner: testutil.TestAddr3.Hex(),
	})
	assert.ErrorIs(t, err, ErrSignerMismatch)
	assert.True(t, chain.IsKind(err, chain.KindRejected))
}

func TestSign_BadInput(t *testing.T) {
	a := NewAdapter(testutil.NewMockCustodian())

	_, err := a.Sign(context.Background(), Request{Payload: evmPayload()})
	assert.True(t, chain.IsKind(err, chain.KindSignerUnavailable))

	_, err = a.Sign(context.Background(), Request{Handle: "h"})
	assert.ErrorIs(t, err, ErrNilPayload)

	garbage := NewAdapter(CustodianFunc(func(context.Context, string, string, chain.Type) (string, error) {
		return "0xzz", nil
	}))
	_, err = garbage.Sign(context.Background(), Request{Handle: "h", Payload: evmPayload()})
	assert.ErrorIs(t, err, ErrMalformedSigned)
}
