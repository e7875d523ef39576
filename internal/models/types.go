package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Model is gorm.Model with snake_case JSON keys. Soft-deleted rows are never
// served, so DeletedAt stays off the wire.
type Model struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// StringList stores a []string as a JSON array column.
type StringList []string

// Scan implements sql.Scanner.
func (s *StringList) Scan(value any) error {
	raw, err := columnBytes(value)
	if err != nil {
		return fmt.Errorf("StringList.Scan: %w", err)
	}
	if len(raw) == 0 {
		*s = StringList{}
		return nil
	}
	return json.Unmarshal(raw, s)
}

// Value implements driver.Valuer.
func (s StringList) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(s))
	return string(b), err
}

// IDList stores an ordered []uint as a JSON array column.
type IDList []uint

// Scan implements sql.Scanner.
func (l *IDList) Scan(value any) error {
	raw, err := columnBytes(value)
	if err != nil {
		return fmt.Errorf("IDList.Scan: %w", err)
	}
	if len(raw) == 0 {
		*l = IDList{}
		return nil
	}
	return json.Unmarshal(raw, l)
}

// Value implements driver.Valuer.
func (l IDList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]uint(l))
	return string(b), err
}

// Contains reports whether id is already in the list.
func (l IDList) Contains(id uint) bool {
	for _, v := range l {
		if v == id {
			return true
		}
	}
	return false
}

// Labels is a free-form string map stored as a JSON object column.
type Labels map[string]string

// Scan implements sql.Scanner.
func (m *Labels) Scan(value any) error {
	raw, err := columnBytes(value)
	if err != nil {
		return fmt.Errorf("Labels.Scan: %w", err)
	}
	if len(raw) == 0 {
		*m = Labels{}
		return nil
	}
	return json.Unmarshal(raw, m)
}

// Value implements driver.Valuer.
func (m Labels) Value() (driver.Value, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]string(m))
	return string(b), err
}

func columnBytes(value any) ([]byte, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	default:
		return nil, fmt.Errorf("cannot convert %T", value)
	}
}
