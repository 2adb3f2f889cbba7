package protocol

import "time"

// Transcript is published for every recognition result.
type Transcript struct {
	SessionID string `json:"session_id"`
	Backend   string `json:"backend"`
	// Segment is the text of this result; Text is the accumulated
	// transcript including it when final.
	Segment   string    `json:"segment"`
	Text      string    `json:"text"`
	Partial   bool      `json:"partial"`
	Timestamp time.Time `json:"timestamp"`
}

// RecognitionStatus announces lifecycle changes of the capture session.
type RecognitionStatus struct {
	SessionID string    `json:"session_id"`
	Event     string    `json:"event"`
	Requested string    `json:"requested"`
	Active    string    `json:"active"`
	Language  string    `json:"language"`
	Listening bool      `json:"listening"`
	FellBack  bool      `json:"fell_back,omitempty"`
	ElapsedMS int64     `json:"elapsed_ms"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// LLMRequest asks for a consultation response to a transcript.
type LLMRequest struct {
	SessionID   string  `json:"session_id"`
	Text        string  `json:"text"`
	Prompt      string  `json:"prompt,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	TraceID     string  `json:"trace_id,omitempty"`
}

type LLMResponse struct {
	SessionID        string    `json:"session_id"`
	Content          string    `json:"content"`
	Partial          bool      `json:"partial"`
	TraceID          string    `json:"trace_id,omitempty"`
	PromptTokens     int       `json:"prompt_tokens,omitempty"`
	CompletionTokens int       `json:"completion_tokens,omitempty"`
	LatencyMS        int64     `json:"latency_ms"`
	Error            string    `json:"error,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

const (
	SubjectTranscriptPartial  = "stt.text.partial"
	SubjectTranscriptFinal    = "stt.text.final"
	SubjectRecognitionStatus  = "stt.status"
	SubjectLLMRequest         = "llm.request"
	SubjectLLMResponsePartial = "llm.response.partial"
	SubjectLLMResponseFinal   = "llm.response.final"
)

// Lifecycle event names used in status messages and the session journal.
const (
	EventStarted         = "started"
	EventFellBack        = "fell_back"
	EventStopped         = "stopped"
	EventFinalized       = "finalized"
	EventFailed          = "failed"
	EventBackendChanged  = "backend_changed"
	EventLanguageChanged = "language_changed"
	EventReset           = "reset"
)
