package workflow

import (
	"math/big"
	"testing"
)

func TestTotalCostSumsPrices(t *testing.T) {
	nodes := []Node{
		{ID: "n1", Price: "0.01"},
		{ID: "n2", Price: "0.02"},
	}
	if got := TotalCost(nodes); got != "0.03" {
		t.Fatalf("expected 0.03, got %s", got)
	}
}

func TestTotalCostDefaultsMalformedPrice(t *testing.T) {
	cases := []struct {
		name  string
		price string
	}{
		{"empty", ""},
		{"garbage", "not-a-number"},
		{"negative", "-1"},
		{"zero", "0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			nodes := []Node{{ID: "n1", Price: tc.price}}
			if got := TotalCost(nodes); got != MinimumFee {
				t.Fatalf("price %q: expected minimum fee %s, got %s", tc.price, MinimumFee, got)
			}
		})
	}
}

func TestTotalCostMatchesPlan(t *testing.T) {
	wf := linearWorkflow()
	plan, err := Parse(wf)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if plan.TotalCost != TotalCost(wf.Nodes) {
		t.Fatalf("plan cost %s differs from recomputed cost %s", plan.TotalCost, TotalCost(wf.Nodes))
	}
}

func TestEtherToWei(t *testing.T) {
	cases := []struct {
		amount string
		wei    string
	}{
		{"0.03", "30000000000000000"},
		{"1", "1000000000000000000"},
		{"0.0001", "100000000000000"},
		{"0", "0"},
	}
	for _, tc := range cases {
		got, err := EtherToWei(tc.amount)
		if err != nil {
			t.Fatalf("convert %s: %v", tc.amount, err)
		}
		want, _ := new(big.Int).SetString(tc.wei, 10)
		if got.Cmp(want) != 0 {
			t.Fatalf("convert %s: expected %s wei, got %s", tc.amount, want, got)
		}
	}
}

func TestEtherToWeiRejectsInvalid(t *testing.T) {
	for _, amount := range []string{"", "abc", "-0.01", "0.0000000000000000001"} {
		if _, err := EtherToWei(amount); err == nil {
			t.Fatalf("expected error for amount %q", amount)
		}
	}
}

func TestEffectivePrice(t *testing.T) {
	if got := EffectivePrice("0.015"); got != "0.015" {
		t.Fatalf("expected 0.015, got %s", got)
	}
	if got := EffectivePrice(""); got != MinimumFee {
		t.Fatalf("expected minimum fee, got %s", got)
	}
}
