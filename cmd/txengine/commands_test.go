package main

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSigner = "0x1111111111111111111111111111111111111111"

// ethService answers the handful of eth_ calls the commands make.
type ethService struct {
	gasPrice  *big.Int
	tip       *big.Int
	confirmed uint64
	pending   uint64
}

func (s *ethService) GasPrice() *hexutil.Big { return (*hexutil.Big)(s.gasPrice) }

func (s *ethService) MaxPriorityFeePerGas() *hexutil.Big { return (*hexutil.Big)(s.tip) }

func (s *ethService) GetTransactionCount(_ common.Address, block string) hexutil.Uint64 {
	if block == "pending" {
		return hexutil.Uint64(s.pending)
	}
	return hexutil.Uint64(s.confirmed)
}

func newNode(t *testing.T, svc *ethService) string {
	t.Helper()
	server := rpc.NewServer()
	require.NoError(t, server.RegisterName("eth", svc))
	ts := httptest.NewServer(server)
	t.Cleanup(func() {
		ts.Close()
		server.Stop()
	})
	return ts.URL
}

func writeConfig(t *testing.T, rpcURL string) string {
	t.Helper()
	data := fmt.Sprintf(`
call_timeout: 5s
chains:
  - id: "1337"
    name: devnet
    address_model: account_nonce
    fee_model: legacy
    explorer: https://explorer.example.org/tx/%%s
    rpc_url: %[1]s
    fee:
      max_fee: 50gwei
  - id: solana-devnet
    name: solana
    address_model: slot_based
    fee_model: none
    explorer: https://explorer.solana.com/tx/%%s?cluster=devnet
    rpc_url: %[1]s
    fee:
      compute_limit: 200000
`, rpcURL)
	path := filepath.Join(t.TempDir(), "txengine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestChainsCommand(t *testing.T) {
	path := writeConfig(t, "http://127.0.0.1:1")

	out, err := run(t, "chains", "--config", path)
	require.NoError(t, err)

	assert.Contains(t, out, "ADDRESS MODEL")
	assert.Regexp(t, `1337\s+devnet\s+account_nonce\s+legacy`, out)
	assert.Regexp(t, `solana-devnet\s+solana\s+slot_based\s+none`, out)
}

func TestFeeCommand(t *testing.T) {
	url := newNode(t, &ethService{
		gasPrice: big.NewInt(20_000_000_000),
		tip:      big.NewInt(1_000_000_000),
	})
	path := writeConfig(t, url)

	t.Run("quote", func(t *testing.T) {
		out, err := run(t, "fee", "1337", "--bump=false", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, "max fee/price:  20000000000")
		assert.Contains(t, out, "estimated:      true")
		assert.NotContains(t, out, "bumped:")
	})

	t.Run("gas price above the cap", func(t *testing.T) {
		url := newNode(t, &ethService{gasPrice: big.NewInt(80_000_000_000), tip: big.NewInt(1)})
		out, err := run(t, "fee", "1337", "--bump=false", "--config", writeConfig(t, url))
		require.NoError(t, err)
		assert.Contains(t, out, "max fee/price:  50000000000")
	})

	t.Run("bump", func(t *testing.T) {
		out, err := run(t, "fee", "1337", "--bump", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, "bumped:         priority=24000000000 max=24000000000")
	})

	t.Run("unknown chain", func(t *testing.T) {
		_, err := run(t, "fee", "404", "--bump=false", "--config", path)
		assert.Error(t, err)
	})
}

func TestNonceCommand(t *testing.T) {
	url := newNode(t, &ethService{confirmed: 5, pending: 7})
	path := writeConfig(t, url)

	out, err := run(t, "nonce", "1337", testSigner, "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "confirmed:  5")
	assert.Contains(t, out, "pending:    7")
	assert.Contains(t, out, "next lease: 7")
}

func TestMissingConfig(t *testing.T) {
	_, err := run(t, "chains", "--config", filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
