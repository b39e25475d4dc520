package provider

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"AgentFlow-Chain/internal/config"
)

func writeChainConfig(t *testing.T) string {
	t.Helper()

	content := `chains:
  cronos-testnet:
    type: ethereum
    rpc_url: http://127.0.0.1:8545
    chain_id: 338
    currency: TCRO
    description: local test endpoint
`
	path := filepath.Join(t.TempDir(), "chains.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write chain config: %v", err)
	}
	return path
}

func TestVerifyPaymentChainMatchesDefinition(t *testing.T) {
	t.Parallel()

	registry, err := NewRegistry(context.Background(), config.Web3Config{
		ChainConfig:  writeChainConfig(t),
		DefaultChain: "cronos-testnet",
	})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(registry.Close)

	if err := registry.VerifyPaymentChain(338, "TCRO"); err != nil {
		t.Fatalf("matching metadata rejected: %v", err)
	}
	if err := registry.VerifyPaymentChain(338, "tcro"); err != nil {
		t.Fatalf("currency comparison should ignore case: %v", err)
	}
	if err := registry.VerifyPaymentChain(25, "TCRO"); err == nil {
		t.Fatal("expected chain id mismatch to fail")
	} else if !strings.Contains(err.Error(), "chain_id") {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := registry.VerifyPaymentChain(338, "CRO"); err == nil {
		t.Fatal("expected currency mismatch to fail")
	}
}

func TestVerifyPaymentChainSkipsUnknownDefinition(t *testing.T) {
	t.Parallel()

	registry := &Registry{defaultChain: "default"}
	if err := registry.VerifyPaymentChain(338, "TCRO"); err != nil {
		t.Fatalf("missing definition should be tolerated: %v", err)
	}
}
