package session

import "fmt"

// State is the conversation state of a session.
type State int

const (
	Idle State = iota
	Listening
	Processing
	Speaking
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case Processing:
		return "processing"
	case Speaking:
		return "speaking"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Trigger is an input to the state machine.
type Trigger int

const (
	TriggerSpeechStart Trigger = iota + 1
	TriggerSpeechEnd           // a finalized utterance was handed to processing
	TriggerSpeechDiscard       // the utterance was too short or empty
	TriggerFirstChunk          // the first chunk of the response was emitted
	TriggerResponseDone        // the response finished and was acknowledged
	TriggerFailure             // transcription or generation failed, or nothing to say
	TriggerCancel              // explicit interrupt or disconnect
	TriggerSay                 // a say command started a response without speech
)

func (t Trigger) String() string {
	switch t {
	case TriggerSpeechStart:
		return "speech_start"
	case TriggerSpeechEnd:
		return "speech_end"
	case TriggerSpeechDiscard:
		return "speech_discard"
	case TriggerFirstChunk:
		return "first_chunk"
	case TriggerResponseDone:
		return "response_done"
	case TriggerFailure:
		return "failure"
	case TriggerCancel:
		return "cancel"
	case TriggerSay:
		return "say"
	default:
		return fmt.Sprintf("trigger(%d)", int(t))
	}
}

type edge struct {
	from State
	on   Trigger
}

// transitions enumerates every legal edge. Anything else is ignored.
var transitions = map[edge]State{
	{Idle, TriggerSpeechStart}:        Listening,
	{Listening, TriggerSpeechEnd}:     Processing,
	{Listening, TriggerSpeechDiscard}: Idle,
	{Processing, TriggerFirstChunk}:   Speaking,
	{Processing, TriggerFailure}:      Idle,
	{Speaking, TriggerResponseDone}:   Idle,
	{Speaking, TriggerFailure}:        Idle,
	{Speaking, TriggerSpeechStart}:    Listening, // barge-in
	{Idle, TriggerCancel}:             Idle,
	{Listening, TriggerCancel}:        Idle,
	{Processing, TriggerCancel}:       Idle,
	{Speaking, TriggerCancel}:         Idle,
	{Idle, TriggerSay}:                Processing,
}

// Next returns the state reached from s on t, and false if the transition
// is not legal.
func Next(s State, t Trigger) (State, bool) {
	to, ok := transitions[edge{s, t}]
	return to, ok
}

// machine holds the current state. It is owned by the session loop.
type machine struct {
	state    State
	onChange func(from, to State, on Trigger)
}

// fire applies t. Illegal triggers leave the state unchanged and report
// false.
func (m *machine) fire(t Trigger) bool {
	to, ok := Next(m.state, t)
	if !ok {
		return false
	}
	from := m.state
	m.state = to
	if m.onChange != nil && from != to {
		m.onChange(from, to, t)
	}
	return true
}
