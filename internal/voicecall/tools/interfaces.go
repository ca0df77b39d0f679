package tools

import (
	"context"

	"voice-bridge/internal/clients/mail"
	"voice-bridge/internal/store"
)

type MeetingStore interface {
	CreateMeeting(ctx context.Context, params store.CreateMeetingParams) (store.Meeting, error)
}

type OrderStore interface {
	GetOrderByNumber(ctx context.Context, orderNumber string) (store.Order, error)
	GetLatestOrderByEmail(ctx context.Context, email string) (store.Order, error)
}

type SupportCaseStore interface {
	CreateSupportCase(ctx context.Context, params store.CreateSupportCaseParams) (store.SupportCase, error)
}

type KnowledgeBase interface {
	SearchKnowledge(ctx context.Context, query string, limit int) ([]store.KnowledgeResult, error)
}

type Mailer interface {
	SendEmail(ctx context.Context, email mail.Email) (string, error)
}

// Dependencies are the backends the tools act on. Mailer may be nil, in
// which case sendEmail reports that email is unavailable.
type Dependencies struct {
	Meetings     MeetingStore
	Orders       OrderStore
	SupportCases SupportCaseStore
	Knowledge    KnowledgeBase
	Mailer       Mailer
}
