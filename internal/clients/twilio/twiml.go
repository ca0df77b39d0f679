package twilio

import (
	"fmt"
	"sort"

	"github.com/twilio/twilio-go/twiml"
)

const (
	MediaStreamPath = "/media-stream"

	apologyMessage = "We're sorry, we could not connect your call. Please try again later."
)

// StreamParameters are passed to the media stream as customParameters.
type StreamParameters map[string]string

// MediaStreamURL is the websocket address Twilio streams call audio to.
func MediaStreamURL(domain string) string {
	return fmt.Sprintf("wss://%s%s", domain, MediaStreamPath)
}

// ConnectStream answers a call by streaming its audio to streamURL.
func ConnectStream(streamURL string, params StreamParameters) (string, error) {
	names := make([]string, 0, len(params))
	for name, value := range params {
		if value != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	inner := make([]twiml.Element, 0, len(names))
	for _, name := range names {
		inner = append(inner, twiml.VoiceParameter{Name: name, Value: params[name]})
	}

	stream := twiml.VoiceStream{
		Url:           streamURL,
		InnerElements: inner,
	}
	connect := twiml.VoiceConnect{
		InnerElements: []twiml.Element{stream},
	}
	return twiml.Voice([]twiml.Element{connect})
}

// Apology tells the caller the call cannot be connected and hangs up.
func Apology() (string, error) {
	say := twiml.VoiceSay{Message: apologyMessage}
	return twiml.Voice([]twiml.Element{say, twiml.VoiceHangup{}})
}
