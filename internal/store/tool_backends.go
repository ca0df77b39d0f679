package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Meeting struct {
	ID              uuid.UUID      `db:"id"`
	CallSID         sql.NullString `db:"call_sid"`
	StartsAt        time.Time      `db:"starts_at"`
	DurationMinutes int            `db:"duration_minutes"`
	Subject         string         `db:"subject"`
	Description     string         `db:"description"`
	Attendees       StringArray    `db:"attendees"`
	CreatedAt       time.Time      `db:"created_at"`
}

type CreateMeetingParams struct {
	CallSID         string
	StartsAt        time.Time
	DurationMinutes int
	Subject         string
	Description     string
	Attendees       []string
}

const sqlCreateMeeting = `
INSERT INTO meetings (call_sid, starts_at, duration_minutes, subject, description, attendees)
VALUES (NULLIF($1, ''), $2, $3, $4, $5, $6)
RETURNING *`

func (s *Store) CreateMeeting(ctx context.Context, params CreateMeetingParams) (Meeting, error) {
	var meeting Meeting
	err := s.db.GetContext(ctx, &meeting, sqlCreateMeeting,
		params.CallSID,
		params.StartsAt,
		params.DurationMinutes,
		params.Subject,
		params.Description,
		StringArray(params.Attendees))
	if err != nil {
		s.logger.Error(ctx, "failed to create meeting", err)
		return Meeting{}, fmt.Errorf("failed to create meeting: %w", err)
	}
	return meeting, nil
}

type Order struct {
	ID                uuid.UUID      `db:"id"`
	OrderNumber       string         `db:"order_number"`
	CustomerEmail     string         `db:"customer_email"`
	Status            string         `db:"status"`
	Total             float64        `db:"total"`
	Carrier           sql.NullString `db:"carrier"`
	TrackingNumber    sql.NullString `db:"tracking_number"`
	EstimatedDelivery sql.NullTime   `db:"estimated_delivery"`
	CreatedAt         time.Time      `db:"created_at"`
	Items             []OrderItem    `db:"-"`
}

type OrderItem struct {
	ID       uuid.UUID `db:"id"`
	OrderID  uuid.UUID `db:"order_id"`
	Name     string    `db:"name"`
	Quantity int       `db:"quantity"`
	Price    float64   `db:"price"`
}

const sqlGetOrderByNumber = `
SELECT * FROM orders WHERE order_number = $1`

const sqlGetLatestOrderByEmail = `
SELECT * FROM orders WHERE lower(customer_email) = lower($1)
ORDER BY created_at DESC
LIMIT 1`

const sqlGetOrderItems = `
SELECT * FROM order_items WHERE order_id = $1 ORDER BY name`

// GetOrderByNumber returns the order and its items
func (s *Store) GetOrderByNumber(ctx context.Context, orderNumber string) (Order, error) {
	return s.getOrder(ctx, sqlGetOrderByNumber, orderNumber)
}

// GetLatestOrderByEmail returns the customer's most recent order
func (s *Store) GetLatestOrderByEmail(ctx context.Context, email string) (Order, error) {
	return s.getOrder(ctx, sqlGetLatestOrderByEmail, email)
}

func (s *Store) getOrder(ctx context.Context, query string, arg string) (Order, error) {
	var order Order
	err := s.db.GetContext(ctx, &order, query, arg)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Order{}, ErrNotFound
		}
		s.logger.Error(ctx, "failed to get order", err)
		return Order{}, fmt.Errorf("failed to get order: %w", err)
	}

	err = s.db.SelectContext(ctx, &order.Items, sqlGetOrderItems, order.ID)
	if err != nil {
		s.logger.Error(ctx, "failed to get order items", err)
		return Order{}, fmt.Errorf("failed to get order items: %w", err)
	}
	return order, nil
}

type SupportCase struct {
	ID            uuid.UUID           `db:"id"`
	CaseNumber    string              `db:"case_number"`
	CallSID       sql.NullString      `db:"call_sid"`
	Priority      SupportCasePriority `db:"priority"`
	Subject       string              `db:"subject"`
	Description   string              `db:"description"`
	CustomerEmail string              `db:"customer_email"`
	CustomerName  sql.NullString      `db:"customer_name"`
	Status        string              `db:"status"`
	CreatedAt     time.Time           `db:"created_at"`
}

type CreateSupportCaseParams struct {
	CaseNumber    string
	CallSID       string
	Priority      SupportCasePriority
	Subject       string
	Description   string
	CustomerEmail string
	CustomerName  string
}

const sqlCreateSupportCase = `
INSERT INTO support_cases (case_number, call_sid, priority, subject, description, customer_email, customer_name)
VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, NULLIF($7, ''))
RETURNING *`

func (s *Store) CreateSupportCase(ctx context.Context, params CreateSupportCaseParams) (SupportCase, error) {
	var supportCase SupportCase
	err := s.db.GetContext(ctx, &supportCase, sqlCreateSupportCase,
		params.CaseNumber,
		params.CallSID,
		params.Priority,
		params.Subject,
		params.Description,
		params.CustomerEmail,
		params.CustomerName)
	if err != nil {
		s.logger.Error(ctx, "failed to create support case", err)
		return SupportCase{}, fmt.Errorf("failed to create support case: %w", err)
	}
	return supportCase, nil
}

type KnowledgeResult struct {
	Content   string  `db:"content"`
	Source    string  `db:"source"`
	Relevance float64 `db:"relevance"`
}

const sqlSearchKnowledge = `
SELECT content, source, ts_rank(search_vector, query) AS relevance
FROM knowledge_documents, plainto_tsquery('english', $1) AS query
WHERE search_vector @@ query
ORDER BY relevance DESC
LIMIT $2`

// SearchKnowledge runs a full-text search over the knowledge documents
func (s *Store) SearchKnowledge(ctx context.Context, query string, limit int) ([]KnowledgeResult, error) {
	results := []KnowledgeResult{}
	err := s.db.SelectContext(ctx, &results, sqlSearchKnowledge, query, limit)
	if err != nil {
		s.logger.Error(ctx, "failed to search knowledge documents", err)
		return nil, fmt.Errorf("failed to search knowledge documents: %w", err)
	}
	return results, nil
}
