package plans

import (
	"testing"

	"github.com/resumelift/creditengine/app/models"
)

func TestNormalizeTier(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"pro", models.TierPro},
		{"premium", models.TierPremium},
		{"free", models.TierFree},
		{"  Pro ", models.TierPro},
		{"PREMIUM", models.TierPremium},
		{"", models.TierFree},
		{"enterprise", models.TierFree},
	}
	for _, tt := range tests {
		if got := NormalizeTier(tt.in); got != tt.want {
			t.Fatalf("NormalizeTier(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTierRankOrdering(t *testing.T) {
	if !(TierRank(models.TierPremium) > TierRank(models.TierPro) && TierRank(models.TierPro) > TierRank(models.TierFree)) {
		t.Fatal("tier ranks out of order")
	}
	if TierRank("garbage") != TierRank(models.TierFree) {
		t.Fatal("unknown tier should rank as free")
	}
}

func TestMonthlyAllotment(t *testing.T) {
	if a := MonthlyAllotment(models.TierPremium); a != 1000 {
		t.Fatalf("premium allotment = %d", a)
	}
	if a := MonthlyAllotment(models.TierPro); a != 300 {
		t.Fatalf("pro allotment = %d", a)
	}
	if a := MonthlyAllotment(models.TierFree); a != 0 {
		t.Fatalf("free allotment = %d", a)
	}
	if HasRecurringAllotment(models.TierFree) {
		t.Fatal("free tier must not receive a monthly reset")
	}
	if !HasRecurringAllotment(models.TierPro) {
		t.Fatal("pro tier should receive a monthly reset")
	}
}
