// Package protocol defines the JSON messages the kiosk exchanges on the bus
// and over HTTP.
package protocol

import (
	"time"

	"github.com/loqalabs/loqa-kiosk/internal/catalog"
)

// Transcript is final STT output. Remote recognizers publish it on
// SubjectTranscriptFinal and the kiosk treats it like a local utterance.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// Query asks the assistant to handle a text utterance directly.
type Query struct {
	Text string `json:"text"`
}

const (
	StatusOK       = "ok"
	StatusNotFound = "not_found"
)

// QueryReply answers a Query. Product is set when Status is StatusOK.
type QueryReply struct {
	Status  string           `json:"status"`
	Product *catalog.Product `json:"product,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// Decision announces a consensus decision.
type Decision struct {
	Modality          string    `json:"modality"`
	Identity          string    `json:"identity"`
	AverageConfidence float64   `json:"average_confidence"`
	Timestamp         time.Time `json:"timestamp"`
}

// ActionEvent mirrors an action enqueued for the UI goroutine.
type ActionEvent struct {
	Kind      string    `json:"kind"`
	ProductID string    `json:"product_id,omitempty"`
	PopupID   string    `json:"popup_id,omitempty"`
	Text      string    `json:"text,omitempty"`
	AudioKey  string    `json:"audio_key,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SpeakRequest asks the kiosk to say Text. AudioKey names the cached clip and
// defaults to a shared announcement key.
type SpeakRequest struct {
	Text     string `json:"text"`
	AudioKey string `json:"audio_key,omitempty"`
}

const (
	SubjectTranscriptFinal = "stt.text.final"
	SubjectQuery           = "kiosk.query"
	SubjectDecision        = "kiosk.decision"
	SubjectAction          = "kiosk.action"
	SubjectSpeak           = "kiosk.speak"
)
