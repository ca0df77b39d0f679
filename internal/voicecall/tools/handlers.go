package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"reflect"
	"strings"
	"time"

	"voice-bridge/internal/clients/mail"
	"voice-bridge/internal/store"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

const knowledgeResultLimit = 3

var ErrEmailUnavailable = errors.New("email delivery is not configured")

type MeetingDetails struct {
	DateTime    string   `json:"dateTime" validate:"required" jsonschema:"description=Meeting date and time in ISO format (YYYY-MM-DDTHH:MM:SS)"`
	Duration    int      `json:"duration" validate:"required,gt=0" jsonschema:"description=Meeting duration in minutes"`
	Subject     string   `json:"subject" validate:"required" jsonschema:"description=Meeting subject line"`
	Description string   `json:"description,omitempty" jsonschema:"description=Meeting description/agenda"`
	Attendees   []string `json:"attendees" validate:"required,min=1,dive,email" jsonschema:"description=List of attendee email addresses"`
}

type EmailContent struct {
	To                string `json:"to" validate:"required,email" jsonschema:"description=Recipient email address"`
	Subject           string `json:"subject" validate:"required" jsonschema:"description=Email subject line"`
	Body              string `json:"body" validate:"required" jsonschema:"description=Email body content"`
	IncludeTranscript bool   `json:"includeTranscript,omitempty" jsonschema:"description=Whether to include the call transcript"`
}

type OrderIdentifier struct {
	OrderNumber   string `json:"orderNumber,omitempty" validate:"required_without=CustomerEmail" jsonschema:"description=Order number to look up"`
	CustomerEmail string `json:"customerEmail,omitempty" validate:"omitempty,email" jsonschema:"description=Customer email to look up orders for"`
}

type CaseDetails struct {
	Priority      string `json:"priority" validate:"required,oneof=low medium high urgent" jsonschema:"description=Case priority level,enum=low,enum=medium,enum=high,enum=urgent"`
	Subject       string `json:"subject" validate:"required" jsonschema:"description=Brief summary of the issue"`
	Description   string `json:"description" validate:"required" jsonschema:"description=Detailed description of the issue"`
	CustomerEmail string `json:"customerEmail" validate:"required,email" jsonschema:"description=Customer's email address"`
	CustomerName  string `json:"customerName,omitempty" jsonschema:"description=Customer's name"`
}

type scheduleMeetingParams struct {
	MeetingDetails *MeetingDetails `json:"meetingDetails" validate:"required"`
}

type sendEmailParams struct {
	EmailContent *EmailContent `json:"emailContent" validate:"required"`
}

type lookupOrderParams struct {
	OrderIdentifier *OrderIdentifier `json:"orderIdentifier" validate:"required"`
}

type createSupportCaseParams struct {
	CaseDetails *CaseDetails `json:"caseDetails" validate:"required"`
}

type lookupProductInfoParams struct {
	Query string `json:"query" validate:"required"`
}

var meetingTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

func (d *Dispatcher) scheduleMeeting(ctx context.Context, call Call, raw json.RawMessage) (string, error) {
	var params scheduleMeetingParams
	if err := d.decode(raw, &params); err != nil {
		return "", err
	}
	details := params.MeetingDetails

	startsAt, err := parseMeetingTime(details.DateTime)
	if err != nil {
		return "", err
	}

	meeting, err := d.deps.Meetings.CreateMeeting(ctx, store.CreateMeetingParams{
		CallSID:         call.CallSID,
		StartsAt:        startsAt,
		DurationMinutes: details.Duration,
		Subject:         details.Subject,
		Description:     details.Description,
		Attendees:       details.Attendees,
	})
	if err != nil {
		return "", fmt.Errorf("failed to schedule meeting: %w", err)
	}

	if d.deps.Mailer != nil {
		invite := mail.Email{
			To:      details.Attendees,
			Subject: "Invitation: " + details.Subject,
			HTML: fmt.Sprintf("<p>You are invited to <strong>%s</strong> on %s for %d minutes.</p><p>%s</p>",
				html.EscapeString(details.Subject),
				startsAt.Format("Mon Jan 2 2006 15:04 MST"),
				details.Duration,
				html.EscapeString(details.Description)),
		}
		if _, err := d.deps.Mailer.SendEmail(ctx, invite); err != nil {
			d.logger.Error(ctx, "failed to send meeting invitations", err)
		}
	}

	return marshalResult(map[string]interface{}{
		"success":   true,
		"meetingId": meeting.ID.String(),
		"message":   "Meeting scheduled successfully. Invitations have been sent to all attendees.",
	})
}

func (d *Dispatcher) sendEmail(ctx context.Context, call Call, raw json.RawMessage) (string, error) {
	var params sendEmailParams
	if err := d.decode(raw, &params); err != nil {
		return "", err
	}
	if d.deps.Mailer == nil {
		return "", ErrEmailUnavailable
	}
	content := params.EmailContent

	body := "<p>" + strings.ReplaceAll(html.EscapeString(content.Body), "\n", "<br>") + "</p>"
	text := content.Body
	if content.IncludeTranscript && call.Transcript != nil {
		htmlLines, textLines := renderTranscript(call)
		body += "<h3>Call transcript</h3>" + htmlLines
		text += "\n\nCall transcript\n" + textLines
	}

	id, err := d.deps.Mailer.SendEmail(ctx, mail.Email{
		To:      []string{content.To},
		Subject: content.Subject,
		HTML:    body,
		Text:    text,
	})
	if err != nil {
		return "", fmt.Errorf("failed to send email: %w", err)
	}

	return marshalResult(map[string]interface{}{
		"success": true,
		"emailId": id,
		"message": "Email sent successfully.",
	})
}

func (d *Dispatcher) lookupOrder(ctx context.Context, call Call, raw json.RawMessage) (string, error) {
	var params lookupOrderParams
	if err := d.decode(raw, &params); err != nil {
		return "", err
	}
	ident := params.OrderIdentifier

	var (
		order store.Order
		err   error
	)
	if ident.OrderNumber != "" {
		order, err = d.deps.Orders.GetOrderByNumber(ctx, ident.OrderNumber)
	} else {
		order, err = d.deps.Orders.GetLatestOrderByEmail(ctx, ident.CustomerEmail)
	}
	if errors.Is(err, store.ErrNotFound) {
		return marshalResult(map[string]interface{}{
			"success": false,
			"message": "No matching order was found.",
		})
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up order: %w", err)
	}

	items := make([]map[string]interface{}, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, map[string]interface{}{
			"name":     item.Name,
			"quantity": item.Quantity,
			"price":    item.Price,
		})
	}
	shipping := map[string]interface{}{
		"carrier":        order.Carrier.String,
		"trackingNumber": order.TrackingNumber.String,
	}
	if order.EstimatedDelivery.Valid {
		shipping["estimatedDelivery"] = order.EstimatedDelivery.Time.Format("2006-01-02")
	}

	return marshalResult(map[string]interface{}{
		"success": true,
		"order": map[string]interface{}{
			"orderId":         order.OrderNumber,
			"status":          order.Status,
			"items":           items,
			"total":           order.Total,
			"shippingDetails": shipping,
		},
	})
}

func (d *Dispatcher) createSupportCase(ctx context.Context, call Call, raw json.RawMessage) (string, error) {
	var params createSupportCaseParams
	if err := d.decode(raw, &params); err != nil {
		return "", err
	}
	details := params.CaseDetails

	caseNumber := "CASE-" + strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", "")[:10])
	supportCase, err := d.deps.SupportCases.CreateSupportCase(ctx, store.CreateSupportCaseParams{
		CaseNumber:    caseNumber,
		CallSID:       call.CallSID,
		Priority:      store.SupportCasePriority(details.Priority),
		Subject:       details.Subject,
		Description:   details.Description,
		CustomerEmail: details.CustomerEmail,
		CustomerName:  details.CustomerName,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create support case: %w", err)
	}

	return marshalResult(map[string]interface{}{
		"success":  true,
		"caseId":   supportCase.CaseNumber,
		"message":  "Support case created successfully. A support agent will contact you within 24 hours.",
		"priority": string(supportCase.Priority),
	})
}

func (d *Dispatcher) lookupProductInfo(ctx context.Context, call Call, raw json.RawMessage) (string, error) {
	var params lookupProductInfoParams
	if err := d.decode(raw, &params); err != nil {
		return "", err
	}

	found, err := d.deps.Knowledge.SearchKnowledge(ctx, params.Query, knowledgeResultLimit)
	if err != nil {
		return "", fmt.Errorf("failed to search knowledge base: %w", err)
	}

	results := make([]map[string]interface{}, 0, len(found))
	for _, r := range found {
		results = append(results, map[string]interface{}{
			"content":   r.Content,
			"source":    r.Source,
			"relevance": r.Relevance,
		})
	}
	return marshalResult(map[string]interface{}{
		"success": true,
		"results": results,
	})
}

func (d *Dispatcher) hangUp(ctx context.Context, call Call, raw json.RawMessage) (string, error) {
	d.logger.Info(ctx, fmt.Sprintf("agent requested hang up for call %s", call.CallSID))
	return marshalResult(map[string]interface{}{
		"success": true,
		"message": "Call terminated by AI agent.",
	})
}

func (d *Dispatcher) decode(raw json.RawMessage, dst interface{}) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}
	if err := d.validate.Struct(dst); err != nil {
		var validationErrs validator.ValidationErrors
		if errors.As(err, &validationErrs) {
			return fmt.Errorf("%w: %s", ErrInvalidParameters, describeValidation(validationErrs))
		}
		return fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}
	return nil
}

func parseMeetingTime(value string) (time.Time, error) {
	for _, layout := range meetingTimeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: dateTime %q is not an ISO date and time", ErrInvalidParameters, value)
}

func renderTranscript(call Call) (string, string) {
	var htmlLines, textLines strings.Builder
	htmlLines.WriteString("<ul>")
	for _, e := range call.Transcript.Snapshot() {
		fmt.Fprintf(&htmlLines, "<li><strong>%s:</strong> %s</li>", html.EscapeString(e.Role), html.EscapeString(e.Text))
		fmt.Fprintf(&textLines, "%s: %s\n", e.Role, e.Text)
	}
	htmlLines.WriteString("</ul>")
	return htmlLines.String(), textLines.String()
}

func marshalResult(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode tool result: %w", err)
	}
	return string(b), nil
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func describeValidation(errs validator.ValidationErrors) string {
	messages := make([]string, 0, len(errs))
	for _, fieldErr := range errs {
		// Namespace is "scheduleMeetingParams.meetingDetails.attendees"; drop the root.
		field := fieldErr.Namespace()
		if i := strings.Index(field, "."); i >= 0 {
			field = field[i+1:]
		}
		switch fieldErr.Tag() {
		case "required":
			messages = append(messages, fmt.Sprintf("%s is required", field))
		case "required_without":
			messages = append(messages, fmt.Sprintf("%s is required when %s is empty", field, fieldErr.Param()))
		case "email":
			messages = append(messages, fmt.Sprintf("%s must be a valid email address", field))
		case "oneof":
			messages = append(messages, fmt.Sprintf("%s must be one of: %s", field, fieldErr.Param()))
		case "gt":
			messages = append(messages, fmt.Sprintf("%s must be greater than %s", field, fieldErr.Param()))
		case "min":
			messages = append(messages, fmt.Sprintf("%s must have at least %s entries", field, fieldErr.Param()))
		default:
			messages = append(messages, fmt.Sprintf("%s failed validation (%s)", field, fieldErr.Tag()))
		}
	}
	return strings.Join(messages, "; ")
}
