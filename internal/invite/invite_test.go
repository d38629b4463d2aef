package invite

import (
	"errors"
	"testing"
)

func TestRemainingUses(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		code ReferralCode
		want int
	}{
		{name: "unused", code: ReferralCode{MaxUses: 10, UsedCount: 0}, want: 10},
		{name: "partially used", code: ReferralCode{MaxUses: 10, UsedCount: 3}, want: 7},
		{name: "exhausted", code: ReferralCode{MaxUses: 10, UsedCount: 10}, want: 0},
		{name: "over budget stays zero", code: ReferralCode{MaxUses: 10, UsedCount: 12}, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := tt.code.RemainingUses(); got != tt.want {
				t.Errorf("RemainingUses() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestValidateSeed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		code    string
		maxUses int
		wantErr error
	}{
		{name: "valid", code: "TELEGUARD-ADMIN", maxUses: SeedMaxUses, wantErr: nil},
		{name: "empty code", code: "", maxUses: 10, wantErr: ErrEmptyCode},
		{name: "zero uses", code: "X", maxUses: 0, wantErr: ErrInvalidUses},
		{name: "negative uses", code: "X", maxUses: -1, wantErr: ErrInvalidUses},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := ValidateSeed(tt.code, tt.maxUses)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateSeed(%q, %d) = %v, want %v", tt.code, tt.maxUses, err, tt.wantErr)
			}
		})
	}
}
