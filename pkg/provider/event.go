package provider

import "strconv"

// EventType discriminates [Event] values.
type EventType int

const (
	// EventSpeechStarted: the caller started talking.
	EventSpeechStarted EventType = iota + 1
	// EventSpeechStopped: the caller stopped talking.
	EventSpeechStopped
	// EventAgentSpeaking: the agent started a new utterance.
	EventAgentSpeaking
	// EventAudioDelta carries synthesised audio in the Output format.
	EventAudioDelta
	// EventAudioDone: the agent finished the current utterance.
	EventAudioDone
	// EventTranscriptUser carries recognised caller speech.
	EventTranscriptUser
	// EventTranscriptAgent carries the text of an agent utterance.
	EventTranscriptAgent
	// EventFunctionCall asks the bridge to execute a function.
	EventFunctionCall
	// EventResponseDone: a model response completed; Usage may be set.
	EventResponseDone
	// EventError reports a non-fatal backend error.
	EventError
	// EventClosed: the backend socket closed.
	EventClosed
)

var eventNames = map[EventType]string{
	EventSpeechStarted:   "speech_started",
	EventSpeechStopped:   "speech_stopped",
	EventAgentSpeaking:   "agent_speaking",
	EventAudioDelta:      "audio_delta",
	EventAudioDone:       "audio_done",
	EventTranscriptUser:  "transcript_user",
	EventTranscriptAgent: "transcript_agent",
	EventFunctionCall:    "function_call",
	EventResponseDone:    "response_done",
	EventError:           "error",
	EventClosed:          "closed",
}

func (t EventType) String() string {
	if s, ok := eventNames[t]; ok {
		return s
	}
	return "unknown(" + strconv.Itoa(int(t)) + ")"
}

// FunctionCall is a backend request to run a function.
type FunctionCall struct {
	CallID    string
	Name      string
	Arguments string
}

// Usage is the incremental usage reported with a completed response.
type Usage struct {
	InputTokens  int
	OutputTokens int
	CachedTokens int
}

// Event is one backend event. Only the fields relevant to Type are set.
type Event struct {
	Type EventType

	Audio []byte
	Text  string
	Call  *FunctionCall
	Usage *Usage
	Err   *RuntimeError

	// CloseCode and Abnormal are set on EventClosed.
	CloseCode int
	Abnormal  bool
}
