package ultravox

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/invopop/jsonschema"
)

// Data message types exchanged over the serverWebSocket medium
const (
	MessageTypeTranscript          = "transcript"
	MessageTypeToolInvocation      = "client_tool_invocation"
	MessageTypeToolResult          = "client_tool_result"
	MessageTypeState               = "state"
	MessageTypePlaybackClearBuffer = "playback_clear_buffer"

	ResponseTypeHangUp = "hang-up"
)

var ErrMalformedMessage = errors.New("malformed engine message")

// ServerMessage is the union of the text frames the engine sends.
type ServerMessage struct {
	Type         string          `json:"type"`
	Role         string          `json:"role,omitempty"`
	Text         string          `json:"text,omitempty"`
	Delta        string          `json:"delta,omitempty"`
	Final        bool            `json:"final,omitempty"`
	State        string          `json:"state,omitempty"`
	ToolName     string          `json:"toolName,omitempty"`
	InvocationID string          `json:"invocationId,omitempty"`
	Parameters   json.RawMessage `json:"parameters,omitempty"`
}

func ParseServerMessage(data []byte) (ServerMessage, error) {
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ServerMessage{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if msg.Type == "" {
		return ServerMessage{}, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}
	return msg, nil
}

// ToolResult answers one client_tool_invocation.
type ToolResult struct {
	Type         string `json:"type"`
	InvocationID string `json:"invocationId"`
	Result       string `json:"result,omitempty"`
	ResponseType string `json:"responseType,omitempty"`
	Error        string `json:"error,omitempty"`
}

func EncodeToolResult(r ToolResult) ([]byte, error) {
	r.Type = MessageTypeToolResult
	return json.Marshal(r)
}

// SelectedTool is either a built-in tool referenced by name or a temporary
// tool declared inline.
type SelectedTool struct {
	ToolName      string         `json:"toolName,omitempty"`
	TemporaryTool *TemporaryTool `json:"temporaryTool,omitempty"`
}

type TemporaryTool struct {
	ModelToolName     string             `json:"modelToolName"`
	Description       string             `json:"description"`
	DynamicParameters []DynamicParameter `json:"dynamicParameters,omitempty"`
	Client            *ClientTool        `json:"client,omitempty"`
}

// ClientTool marks a tool as executed by the socket client.
type ClientTool struct{}

type DynamicParameter struct {
	Name     string             `json:"name"`
	Location string             `json:"location"`
	Schema   *jsonschema.Schema `json:"schema"`
	Required bool               `json:"required"`
}

const ParameterLocationBody = "PARAMETER_LOCATION_BODY"

type initialMessage struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

type serverWebSocket struct {
	InputSampleRate    int `json:"inputSampleRate"`
	OutputSampleRate   int `json:"outputSampleRate"`
	ClientBufferSizeMs int `json:"clientBufferSizeMs"`
}

type medium struct {
	ServerWebSocket serverWebSocket `json:"serverWebSocket"`
}

type createCallRequest struct {
	SystemPrompt     string           `json:"systemPrompt"`
	Model            string           `json:"model"`
	Voice            string           `json:"voice"`
	Temperature      float64          `json:"temperature"`
	LanguageHint     string           `json:"languageHint"`
	InitialMessages  []initialMessage `json:"initialMessages"`
	Medium           medium           `json:"medium"`
	SelectedTools    []SelectedTool   `json:"selectedTools"`
	RecordingEnabled bool             `json:"recordingEnabled"`
}

type createCallResponse struct {
	CallID  string `json:"callId"`
	JoinURL string `json:"joinUrl"`
	Created string `json:"created"`
}
