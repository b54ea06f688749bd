package rbac

import "testing"

func TestCheckPermit(t *testing.T) {
	cases := []struct {
		required Tier
		actual   Tier
		want     bool
	}{
		{TierOther, TierOther, true},
		{TierOther, TierMember, true},
		{TierOther, TierAdmin, true},
		{TierMember, TierOther, false},
		{TierMember, TierMember, true},
		{TierMember, TierAdmin, true},
		{TierAdmin, TierOther, false},
		{TierAdmin, TierMember, false},
		{TierAdmin, TierAdmin, true},
	}
	for _, c := range cases {
		if got := CheckPermit(c.required, c.actual); got != c.want {
			t.Errorf("CheckPermit(%s, %s) = %v, want %v", c.required, c.actual, got, c.want)
		}
	}
}

// Weakening the required tier must never revoke a permit.
func TestCheckPermitMonotonic(t *testing.T) {
	order := []Tier{TierAdmin, TierMember, TierOther}
	for _, actual := range order {
		for i, required := range order {
			if !CheckPermit(required, actual) {
				continue
			}
			for _, weaker := range order[i+1:] {
				if !CheckPermit(weaker, actual) {
					t.Errorf("permit at %s but not at weaker %s for tier %s", required, weaker, actual)
				}
			}
		}
	}
}

func TestNormalize(t *testing.T) {
	if Normalize("ADMIN") != TierAdmin {
		t.Error("ADMIN should normalize to TierAdmin")
	}
	if Normalize("bogus") != TierOther {
		t.Error("unknown tier should normalize to TierOther")
	}
	if Normalize("") != TierOther {
		t.Error("empty tier should normalize to TierOther")
	}
}

func TestEvaluate(t *testing.T) {
	d := Evaluate(TierOther, "", false)
	if !d.Allowed || !d.CreateImplicit {
		t.Errorf("roleless user on OTHER gate: got %+v, want allowed with implicit role", d)
	}

	d = Evaluate(TierMember, "", false)
	if d.Allowed || d.CreateImplicit {
		t.Errorf("roleless user on MEMBER gate: got %+v, want denied without implicit role", d)
	}

	d = Evaluate(TierMember, TierMember, true)
	if !d.Allowed || d.CreateImplicit {
		t.Errorf("member on MEMBER gate: got %+v, want allowed with no implicit role", d)
	}

	d = Evaluate(TierAdmin, TierMember, true)
	if d.Allowed {
		t.Errorf("member on ADMIN gate: got %+v, want denied", d)
	}
}
