package store

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// StringArray is a custom type for PostgreSQL text[] arrays
type StringArray []string

// Value implements the driver.Valuer interface for StringArray
func (a StringArray) Value() (driver.Value, error) {
	if a == nil {
		return nil, nil
	}
	if len(a) == 0 {
		return "{}", nil
	}
	quoted := make([]string, len(a))
	for i, s := range a {
		quoted[i] = `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s) + `"`
	}
	// PostgreSQL array format: {"item1","item2"}
	return "{" + strings.Join(quoted, ",") + "}", nil
}

// Scan implements the sql.Scanner interface for StringArray
func (a *StringArray) Scan(value interface{}) error {
	if value == nil {
		*a = nil
		return nil
	}

	var str string
	switch v := value.(type) {
	case []byte:
		str = string(v)
	case string:
		str = v
	default:
		return fmt.Errorf("unsupported type for StringArray: %T", value)
	}

	str = strings.Trim(str, "{}")
	if str == "" {
		*a = []string{}
		return nil
	}

	parts := strings.Split(str, ",")
	for i, p := range parts {
		parts[i] = strings.Trim(p, `"`)
	}
	*a = parts
	return nil
}

// TranscriptJSON stores a call transcript as a JSON array.
type TranscriptJSON []TranscriptEntry

type TranscriptEntry struct {
	Role      string `json:"role"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

func (t TranscriptJSON) Value() (driver.Value, error) {
	if t == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]TranscriptEntry(t))
}

func (t *TranscriptJSON) Scan(value interface{}) error {
	if value == nil {
		*t = nil
		return nil
	}
	bytes, err := scanBytes(value)
	if err != nil {
		return err
	}
	if len(bytes) == 0 || string(bytes) == "null" {
		*t = TranscriptJSON{}
		return nil
	}
	var entries []TranscriptEntry
	if err := json.Unmarshal(bytes, &entries); err != nil {
		return err
	}
	*t = entries
	return nil
}

func scanBytes(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, errors.New("incompatible type for JSON column")
	}
}

// CallDirection is who placed the call
type CallDirection string

const (
	CallDirectionInbound  CallDirection = "inbound"
	CallDirectionOutbound CallDirection = "outbound"
)

// CallStatus mirrors the lifecycle of a calls row
type CallStatus string

const (
	CallStatusInitiated  CallStatus = "initiated"
	CallStatusInProgress CallStatus = "in-progress"
	CallStatusCompleted  CallStatus = "completed"
	CallStatusFailed     CallStatus = "failed"
)

// SupportCasePriority is the urgency of a support case
type SupportCasePriority string

const (
	SupportCasePriorityLow    SupportCasePriority = "low"
	SupportCasePriorityMedium SupportCasePriority = "medium"
	SupportCasePriorityHigh   SupportCasePriority = "high"
	SupportCasePriorityUrgent SupportCasePriority = "urgent"
)
