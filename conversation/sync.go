package conversation

import "gosession/models"

// SyncDecision is what to do about our other devices after an acknowledgement.
type SyncDecision int

const (
	SyncNothing SyncDecision = iota
	// SyncTrigger sends a sync transcript to our other devices.
	SyncTrigger
	// SyncMarkSynced records that our other devices have the message.
	SyncMarkSynced
)

func (d SyncDecision) String() string {
	switch d {
	case SyncTrigger:
		return "trigger"
	case SyncMarkSynced:
		return "mark_synced"
	default:
		return "nothing"
	}
}

// Decide applies the sync suppression rule to one acknowledgement.
func Decide(isOurDevice, isClosedGroup bool, state models.SyncState) SyncDecision {
	if state == "" {
		state = models.SyncNone
	}
	switch {
	case !isOurDevice && !isClosedGroup && state == models.SyncNone:
		return SyncTrigger
	case isOurDevice && state == models.SyncRequested:
		return SyncMarkSynced
	default:
		return SyncNothing
	}
}
