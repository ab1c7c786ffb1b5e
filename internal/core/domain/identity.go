package domain

// IdentityState tracks how the current user id was obtained.
type IdentityState int

const (
	IdentityUnresolved IdentityState = iota
	IdentityResolvedLocal
	IdentityResolvedRemote
	IdentityResolutionInProgress
)

func (s IdentityState) String() string {
	switch s {
	case IdentityResolvedLocal:
		return "resolved_local"
	case IdentityResolvedRemote:
		return "resolved_remote"
	case IdentityResolutionInProgress:
		return "resolution_in_progress"
	default:
		return "unresolved"
	}
}
