package cli

// Status indicators
const (
	CheckMark = "✓"
	CrossMark = "✗"
	WarnMark  = "⚠"
	Bullet    = "●"
	Circle    = "○"
)

// StateIcon returns the bullet shown next to a project in the given state.
func StateIcon(ready bool) string {
	if ready {
		return Bullet
	}
	return Circle
}
