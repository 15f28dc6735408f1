package app

import "testing"

func TestOperationIDIsDeterministic(t *testing.T) {
	a := OperationID("req-123", "wallet-9")
	b := OperationID("req-123", "wallet-9")
	if a != b {
		t.Fatalf("expected identical keys, got %q and %q", a, b)
	}
	if a != "req-123|:|wallet-9" {
		t.Fatalf("unexpected key format: %q", a)
	}
}

func TestOperationIDDistinguishesWallets(t *testing.T) {
	if OperationID("req-123", "wallet-1") == OperationID("req-123", "wallet-2") {
		t.Fatal("same request id against different wallets must produce different keys")
	}
}

func TestRefundOperationID(t *testing.T) {
	op := OperationID("req-123", "wallet-9")
	refund := RefundOperationID(op)
	if refund != "refund|:|req-123|:|wallet-9" {
		t.Fatalf("unexpected refund key: %q", refund)
	}
	if refund == op {
		t.Fatal("refund key must differ from the original operation key")
	}
	if RefundOperationID(op) == ReleaseOperationID(op) {
		t.Fatal("refund and release legs must not share a key")
	}
}

func TestWalletFromOperationID(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"generated key", "req-123|:|wallet-9", "wallet-9"},
		{"key without separator", "plain-id", ""},
		{"refund key has three parts", "refund|:|req-123|:|wallet-9", ""},
		{"empty", "", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := WalletFromOperationID(tc.in); got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}
