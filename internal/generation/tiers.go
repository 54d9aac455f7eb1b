package generation

// Tier selects how much model capability a generation request gets. Cheap
// requests go to the fast tier; long, structurally complex ones to advanced.
type Tier string

const (
	TierFast     Tier = "fast"
	TierStandard Tier = "standard"
	TierAdvanced Tier = "advanced"
)

// Models maps each tier to a concrete model name, configured per deployment.
type Models struct {
	Fast     string
	Standard string
	Advanced string
}

// ForTier returns the model name for the tier, falling back to the standard
// model for unknown tiers.
func (m Models) ForTier(t Tier) string {
	switch t {
	case TierFast:
		return m.Fast
	case TierAdvanced:
		return m.Advanced
	default:
		return m.Standard
	}
}
