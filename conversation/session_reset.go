package conversation

import "gosession/models"

// ResetEvent drives the session reset state machine.
type ResetEvent int

const (
	// ResetInitiate is the local user asking for a reset.
	ResetInitiate ResetEvent = iota
	// ResetDispatchFailed means our end-session message could not be delivered.
	ResetDispatchFailed
	// ResetReceived means the peer sent an end-session message.
	ResetReceived
	// ResetSessionAdopted means the crypto layer confirmed a new session.
	ResetSessionAdopted
)

func (e ResetEvent) String() string {
	switch e {
	case ResetInitiate:
		return "initiate"
	case ResetDispatchFailed:
		return "dispatch_failed"
	case ResetReceived:
		return "reset_received"
	case ResetSessionAdopted:
		return "session_adopted"
	default:
		return "unknown"
	}
}

// ResetIntent is a side effect requested by a transition.
type ResetIntent interface {
	resetIntent()
}

// StoreResetMessage appends a local notice about the reset.
type StoreResetMessage struct {
	Direction models.Direction
	Type      models.EndSessionType
}

// DropSession discards the current session with the peer.
type DropSession struct{}

// SendEndSession sends the END_SESSION data message.
type SendEndSession struct{}

// SendSessionEstablished tells the peer we adopted the new session.
type SendSessionEstablished struct{}

func (StoreResetMessage) resetIntent()      {}
func (DropSession) resetIntent()            {}
func (SendEndSession) resetIntent()         {}
func (SendSessionEstablished) resetIntent() {}

// Transition is the pure session reset state machine.
func Transition(state models.SessionResetState, event ResetEvent) (models.SessionResetState, []ResetIntent) {
	if state == "" {
		state = models.SessionResetNone
	}

	switch event {
	case ResetInitiate:
		if state == models.SessionResetRequestReceived {
			return state, nil
		}
		return models.SessionResetInitiated, []ResetIntent{
			StoreResetMessage{Direction: models.DirectionOutgoing, Type: models.EndSessionOngoing},
			DropSession{},
			SendEndSession{},
		}
	case ResetDispatchFailed:
		if state == models.SessionResetInitiated {
			return models.SessionResetNone, nil
		}
		return state, nil
	case ResetReceived:
		return models.SessionResetRequestReceived, []ResetIntent{SendSessionEstablished{}}
	case ResetSessionAdopted:
		switch state {
		case models.SessionResetInitiated:
			return models.SessionResetNone, []ResetIntent{
				SendSessionEstablished{},
				StoreResetMessage{Direction: models.DirectionIncoming, Type: models.EndSessionDone},
			}
		case models.SessionResetRequestReceived:
			return models.SessionResetNone, []ResetIntent{
				StoreResetMessage{Direction: models.DirectionIncoming, Type: models.EndSessionDone},
			}
		}
		return state, nil
	}
	return state, nil
}
