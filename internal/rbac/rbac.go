package rbac

// Tier is a membership level on one abstract. Strength is ordered
// OTHER < MEMBER < ADMIN; a capability gated at a tier is satisfied by
// that tier or any stronger one.
type Tier string

const (
	TierAdmin  Tier = "ADMIN"
	TierMember Tier = "MEMBER"
	TierOther  Tier = "OTHER"
)

func rank(t Tier) int {
	switch t {
	case TierAdmin:
		return 3
	case TierMember:
		return 2
	case TierOther:
		return 1
	default:
		return 0
	}
}

// CheckPermit reports whether actual satisfies the required tier.
// OTHER-gated capabilities always pass for any known tier.
func CheckPermit(required, actual Tier) bool {
	if required == TierOther {
		return true
	}
	return rank(actual) >= rank(required)
}

func Normalize(tier string) Tier {
	switch Tier(tier) {
	case TierAdmin, TierMember, TierOther:
		return Tier(tier)
	default:
		return TierOther
	}
}

// Decision is the outcome of a permission evaluation. When a user with no
// role record passes an OTHER-gated check, CreateImplicit asks the caller
// to materialize an OTHER role in the same transaction so membership
// queries stay complete.
type Decision struct {
	Allowed        bool
	CreateImplicit bool
}

// Evaluate resolves a capability check against the user's tier. hasRole is
// false when no role record exists for the user on the abstract; the user
// is then treated as OTHER.
func Evaluate(required, actual Tier, hasRole bool) Decision {
	if !hasRole {
		actual = TierOther
	}
	if !CheckPermit(required, actual) {
		return Decision{}
	}
	return Decision{Allowed: true, CreateImplicit: !hasRole}
}
