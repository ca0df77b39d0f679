package twilio

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"voice-bridge/internal/voice/audio"
)

// Media Streams event names
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventMark      = "mark"
	EventDTMF      = "dtmf"
	EventStop      = "stop"
)

// Custom parameter names set on the <Stream> element
const (
	ParamCallSID      = "callSid"
	ParamCallerNumber = "callerNumber"
	ParamDirection    = "direction"
)

var (
	ErrMalformedFrame = errors.New("malformed media stream frame")
	ErrStreamStopped  = errors.New("media stream stopped before start")
	ErrNoStartFrame   = errors.New("no start frame received")
)

type MediaEvent struct {
	Event          string        `json:"event"`
	SequenceNumber string        `json:"sequenceNumber,omitempty"`
	StreamSid      string        `json:"streamSid,omitempty"`
	Start          *StartPayload `json:"start,omitempty"`
	Media          *MediaPayload `json:"media,omitempty"`
	Mark           *MarkPayload  `json:"mark,omitempty"`
	DTMF           *DTMFPayload  `json:"dtmf,omitempty"`
	Stop           *StopPayload  `json:"stop,omitempty"`
}

type StartPayload struct {
	StreamSid        string            `json:"streamSid"`
	AccountSid       string            `json:"accountSid"`
	CallSid          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	CustomParameters map[string]string `json:"customParameters"`
	MediaFormat      struct {
		Encoding   string `json:"encoding"`
		SampleRate int    `json:"sampleRate"`
		Channels   int    `json:"channels"`
	} `json:"mediaFormat"`
}

type MediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type MarkPayload struct {
	Name string `json:"name"`
}

type DTMFPayload struct {
	Track string `json:"track"`
	Digit string `json:"digit"`
}

type StopPayload struct {
	AccountSid string `json:"accountSid"`
	CallSid    string `json:"callSid"`
}

// ParseEvent decodes one text frame from the telephony socket.
func ParseEvent(data []byte) (MediaEvent, error) {
	var event MediaEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return MediaEvent{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch event.Event {
	case "":
		return MediaEvent{}, fmt.Errorf("%w: missing event", ErrMalformedFrame)
	case EventStart:
		if event.Start == nil {
			return MediaEvent{}, fmt.Errorf("%w: start without payload", ErrMalformedFrame)
		}
		if event.StreamSid == "" {
			event.StreamSid = event.Start.StreamSid
		}
	case EventMedia:
		if event.Media == nil || event.Media.Payload == "" {
			return MediaEvent{}, fmt.Errorf("%w: media without payload", ErrMalformedFrame)
		}
	}
	return event, nil
}

// AudioFrame decodes the base64 payload of a media event.
func (e MediaEvent) AudioFrame() (audio.Frame, error) {
	if e.Media == nil {
		return audio.Frame{}, fmt.Errorf("%w: not a media event", ErrMalformedFrame)
	}
	payload, err := audio.Base64ToBytes(e.Media.Payload)
	if err != nil {
		return audio.Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return audio.Frame{Encoding: audio.EncodingMuLaw8k, Payload: payload}, nil
}

// EncodeMedia builds the outbound media frame that plays audio to the caller.
func EncodeMedia(streamSID string, frame audio.Frame) ([]byte, error) {
	if frame.Encoding != audio.EncodingMuLaw8k {
		return nil, fmt.Errorf("%w: %s", audio.ErrUnsupportedEncoding, frame.Encoding)
	}
	return json.Marshal(MediaEvent{
		Event:     EventMedia,
		StreamSid: streamSID,
		Media:     &MediaPayload{Payload: audio.BytesToBase64(frame.Payload)},
	})
}

// EncodeClear builds the frame that flushes audio buffered on the telephony side.
func EncodeClear(streamSID string) ([]byte, error) {
	return json.Marshal(MediaEvent{Event: "clear", StreamSid: streamSID})
}

// Identity is what the bridge needs to know about the call before it can negotiate.
type Identity struct {
	CallSID      string
	CallerNumber string
	StreamSID    string
	// Direction is "outbound" for calls we placed; empty means inbound.
	Direction string
}

// Merge fills empty fields from the start payload. Custom parameters win over
// the start frame's own call SID since they were set by our TwiML.
func (id Identity) Merge(start *StartPayload) Identity {
	if start == nil {
		return id
	}
	if id.CallSID == "" {
		id.CallSID = start.CustomParameters[ParamCallSID]
	}
	if id.CallSID == "" {
		id.CallSID = start.CallSid
	}
	if id.CallerNumber == "" {
		id.CallerNumber = start.CustomParameters[ParamCallerNumber]
	}
	if id.StreamSID == "" {
		id.StreamSID = start.StreamSid
	}
	if id.Direction == "" {
		id.Direction = start.CustomParameters[ParamDirection]
	}
	return id
}

type FrameReader interface {
	ReadMessage() (messageType int, p []byte, err error)
}

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// AwaitStart reads frames until the start event arrives. Connected, mark and
// dtmf frames seen before it are dropped, as are malformed ones. Media before
// start has no stream to belong to and is dropped too.
func AwaitStart(conn FrameReader, timeout time.Duration) (MediaEvent, error) {
	if d, ok := conn.(readDeadliner); ok && timeout > 0 {
		if err := d.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return MediaEvent{}, err
		}
		defer d.SetReadDeadline(time.Time{})
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return MediaEvent{}, fmt.Errorf("%w: %v", ErrNoStartFrame, err)
		}
		event, err := ParseEvent(data)
		if err != nil {
			continue
		}
		switch event.Event {
		case EventStart:
			return event, nil
		case EventStop:
			return MediaEvent{}, ErrStreamStopped
		}
	}
}
