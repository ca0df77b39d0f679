package twilio

import (
	"context"
	"errors"
	"fmt"

	"voice-bridge/internal/observability"

	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

const callStatusCompleted = "completed"

var (
	ErrInvalidNumber      = errors.New("invalid phone number")
	ErrNumberNotReachable = errors.New("number cannot be reached")
	ErrAuthentication     = errors.New("twilio authentication failed")
	ErrRequestFailed      = errors.New("twilio request failed")
)

// Twilio REST error codes we translate
const (
	codeInvalidTo           = 21211
	codeInvalidFrom         = 21214
	codeNotVoiceCapable     = 21606
	codeAuthenticationError = 20003
)

// callService is the subset of the Twilio API used here.
type callService interface {
	CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error)
	UpdateCall(sid string, params *api.UpdateCallParams) (*api.ApiV2010Call, error)
}

type Client struct {
	calls  callService
	logger *observability.Logger
}

func NewClient(accountSID, authToken string, logger *observability.Logger) *Client {
	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &Client{calls: rest.Api, logger: logger}
}

type OutboundCall struct {
	To    string
	From  string
	TwiML string
}

// CreateCall places an outbound call and returns its call SID.
func (c *Client) CreateCall(ctx context.Context, call OutboundCall) (string, error) {
	ctx = observability.WithFields(ctx,
		observability.Field{Key: "to", Value: call.To},
		observability.Field{Key: "from", Value: call.From},
	)

	params := &api.CreateCallParams{}
	params.SetTo(call.To)
	params.SetFrom(call.From)
	params.SetTwiml(call.TwiML)

	resp, err := c.calls.CreateCall(params)
	if err != nil {
		c.logger.Error(ctx, "failed to create twilio call", err)
		return "", translateError(err)
	}
	if resp.Sid == nil {
		return "", fmt.Errorf("%w: response has no call sid", ErrRequestFailed)
	}

	c.logger.Info(ctx, fmt.Sprintf("created outbound call %s", *resp.Sid))
	return *resp.Sid, nil
}

// EndCall marks an in-progress call completed, which hangs it up.
func (c *Client) EndCall(ctx context.Context, callSID string) error {
	ctx = observability.WithFields(ctx, observability.Field{Key: "call_sid", Value: callSID})

	params := &api.UpdateCallParams{}
	params.SetStatus(callStatusCompleted)
	if _, err := c.calls.UpdateCall(callSID, params); err != nil {
		c.logger.Error(ctx, "failed to end twilio call", err)
		return translateError(err)
	}
	return nil
}

func translateError(err error) error {
	var restErr *twilioclient.TwilioRestError
	if !errors.As(err, &restErr) {
		return fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}
	switch restErr.Code {
	case codeInvalidTo, codeInvalidFrom:
		return fmt.Errorf("%w: %s", ErrInvalidNumber, restErr.Message)
	case codeNotVoiceCapable:
		return fmt.Errorf("%w: %s", ErrNumberNotReachable, restErr.Message)
	case codeAuthenticationError:
		return fmt.Errorf("%w: %s", ErrAuthentication, restErr.Message)
	default:
		return fmt.Errorf("%w: %d %s", ErrRequestFailed, restErr.Code, restErr.Message)
	}
}
