package types

import "testing"

func TestParsePair(t *testing.T) {
	tests := []struct {
		in      string
		want    Pair
		wantErr bool
	}{
		{
			in:   "WETH/DAI:100:35000:stable",
			want: Pair{DepositAsset: "WETH", LoanAsset: "DAI", DepositAmount: "100", DelegatedAmount: "35000", RateMode: RateStable},
		},
		{
			in:   "sUSD/sUSD:50000:35000:variable",
			want: Pair{DepositAsset: "sUSD", LoanAsset: "sUSD", DepositAmount: "50000", DelegatedAmount: "35000", RateMode: RateVariable},
		},
		{in: "WETH/DAI:100:35000", wantErr: true},
		{in: "WETH:100:35000:stable", wantErr: true},
		{in: "WETH/DAI:100:35000:fixed", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePair(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParsePair(%q) = %+v, want error", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParsePair(%q) error: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParsePair(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
			if got.String() != tt.in {
				t.Errorf("String() = %q, want %q", got.String(), tt.in)
			}
		})
	}
}

func TestDefaultPairsAreKnown(t *testing.T) {
	known := make(map[Pair]bool)
	for _, p := range KnownPairs() {
		known[p] = true
	}
	for _, p := range DefaultPairs() {
		if !known[p] {
			t.Errorf("default pair %s is not a known pair", p)
		}
	}
}

func TestRunResultCount(t *testing.T) {
	r := RunResult{Steps: []StepResult{
		{Status: StepPassed}, {Status: StepPassed}, {Status: StepFailed}, {Status: StepBlocked},
	}}
	if got := r.Count(StepPassed); got != 2 {
		t.Errorf("Count(passed) = %d, want 2", got)
	}
	if got := r.Count(StepSkipped); got != 0 {
		t.Errorf("Count(skipped) = %d, want 0", got)
	}
}
