package session

// State is the lifecycle state of a [Session].
type State int

const (
	// StateIdle holds no resources.
	StateIdle State = iota

	// StateConnecting is acquiring the devices and the connection, or
	// waiting for the agent's "connected" message.
	StateConnecting

	// StateActive has full-duplex audio flowing.
	StateActive

	// StateEnding is between a graceful session boundary and the automatic
	// reconnect. Only the microphone is held.
	StateEnding

	// StateError is terminal; all resources are released.
	StateError
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateEnding:
		return "ending"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// EventKind identifies an input to the state machine.
type EventKind int

const (
	EventStart EventKind = iota + 1
	EventTransportOpen
	EventConnected
	EventConnectFailed
	EventAudio
	EventSpeakingTimeout
	EventTurnComplete
	EventTranscript
	EventSessionEnded
	EventSessionComplete
	EventRemoteError
	EventClosed
	EventReconnectDue
	EventStop
)

var eventNames = map[EventKind]string{
	EventStart:           "start",
	EventTransportOpen:   "transport_open",
	EventConnected:       "connected",
	EventConnectFailed:   "connect_failed",
	EventAudio:           "audio",
	EventSpeakingTimeout: "speaking_timeout",
	EventTurnComplete:    "turn_complete",
	EventTranscript:      "transcript",
	EventSessionEnded:    "session_ended",
	EventSessionComplete: "session_complete",
	EventRemoteError:     "remote_error",
	EventClosed:          "closed",
	EventReconnectDue:    "reconnect_due",
	EventStop:            "stop",
}

// String returns the event name.
func (e EventKind) String() string {
	if n, ok := eventNames[e]; ok {
		return n
	}
	return "unknown"
}

// Effect is a side effect requested by [Transition]. The session executes
// effects in the order returned.
type Effect int

const (
	// EffectResetAttempts zeroes the reconnect counter.
	EffectResetAttempts Effect = iota + 1

	// EffectClearHistory drops the conversation history.
	EffectClearHistory

	// EffectConnect starts a connection attempt, acquiring the microphone
	// first unless it is already held.
	EffectConnect

	// EffectNotify publishes a snapshot to observers.
	EffectNotify

	// EffectStartCapture attaches the capture pipeline to the connection.
	EffectStartCapture

	// EffectReleaseAll releases every resource, microphone included.
	EffectReleaseAll

	// EffectTeardown releases the per-attempt resources and keeps the
	// microphone.
	EffectTeardown

	// EffectScheduleReconnect arms the reconnect timer.
	EffectScheduleReconnect

	// EffectPlay hands the inbound frame to the playback scheduler.
	EffectPlay

	// EffectMarkSpeaking sets the speaking flag and pushes its deadline.
	EffectMarkSpeaking

	// EffectClearSpeaking clears the speaking flag.
	EffectClearSpeaking

	// EffectRecordTranscript appends the transcript to the history.
	EffectRecordTranscript
)

// Transition is the session state machine. It returns the next state and the
// effects to run, or ok=false when ev is not legal in from. canReconnect
// tells whether the reconnect policy permits another attempt.
func Transition(from State, ev EventKind, canReconnect bool) (next State, effects []Effect, ok bool) {
	if ev == EventStop {
		if from == StateIdle {
			return StateIdle, nil, true
		}
		return StateIdle, []Effect{EffectReleaseAll, EffectClearHistory, EffectNotify}, true
	}

	switch from {
	case StateIdle, StateError:
		if ev == EventStart {
			return StateConnecting, []Effect{EffectResetAttempts, EffectClearHistory, EffectConnect, EffectNotify}, true
		}

	case StateConnecting:
		switch ev {
		case EventTransportOpen:
			return StateConnecting, nil, true
		case EventConnected:
			return StateActive, []Effect{EffectStartCapture, EffectNotify}, true
		}

	case StateActive:
		switch ev {
		case EventAudio:
			return StateActive, []Effect{EffectPlay, EffectMarkSpeaking}, true
		case EventSpeakingTimeout, EventTurnComplete:
			return StateActive, []Effect{EffectClearSpeaking}, true
		}

	case StateEnding:
		switch ev {
		case EventReconnectDue:
			return StateConnecting, []Effect{EffectConnect, EffectNotify}, true
		case EventClosed:
			// A graceful boundary already ended this connection.
			return StateEnding, nil, true
		}
	}

	if from != StateConnecting && from != StateActive {
		return from, nil, false
	}

	// Shared by Connecting and Active.
	switch ev {
	case EventTranscript:
		return from, []Effect{EffectRecordTranscript, EffectNotify}, true
	case EventSessionEnded:
		if canReconnect {
			return StateEnding, []Effect{EffectTeardown, EffectScheduleReconnect, EffectNotify}, true
		}
		return StateIdle, []Effect{EffectReleaseAll, EffectClearHistory, EffectNotify}, true
	case EventSessionComplete:
		return StateIdle, []Effect{EffectReleaseAll, EffectClearHistory, EffectNotify}, true
	case EventConnectFailed, EventRemoteError, EventClosed:
		return StateError, []Effect{EffectReleaseAll, EffectClearHistory, EffectNotify}, true
	}
	return from, nil, false
}
