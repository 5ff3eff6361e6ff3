// Package identity binds a scanned card number to the student or teacher
// who owns it.
package identity

import (
	"fmt"

	"tuition/internal/recordstore"
)

// Collections holding card owners, searched in this order.
const (
	CollectionStudents = "students"
	CollectionTeachers = "teachers"
)

// CardActive is the only card status that may record attendance.
const CardActive = "active"

// Type distinguishes students from teachers.
type Type string

const (
	TypeStudent Type = "student"
	TypeTeacher Type = "teacher"
)

// Student is a decoded students record.
type Student struct {
	ID          string           `json:"id" validate:"required"`
	DisplayName string           `json:"displayName" validate:"required"`
	CenterID    string           `json:"centerId"`
	CardNumber  string           `json:"cardNumber" validate:"required"`
	CardStatus  string           `json:"cardStatus"`
	UsageCount  int              `json:"usageCount"`
	LastUsed    recordstore.Time `json:"lastUsed"`
}

// Teacher is a decoded teachers record.
type Teacher struct {
	ID              string           `json:"id" validate:"required"`
	DisplayName     string           `json:"displayName" validate:"required"`
	CardNumber      string           `json:"cardNumber" validate:"required"`
	CardStatus      string           `json:"cardStatus"`
	PermissionLevel string           `json:"permissionLevel"`
	UsageCount      int              `json:"usageCount"`
	LastUsed        recordstore.Time `json:"lastUsed"`
}

// Identity is the resolved owner of a card, flattened for the attendance
// log.
type Identity struct {
	ID              string `json:"id"`
	Type            Type   `json:"type"`
	DisplayName     string `json:"displayName"`
	CenterID        string `json:"centerId,omitempty"`
	CardNumber      string `json:"cardNumber"`
	CardStatus      string `json:"cardStatus"`
	PermissionLevel string `json:"permissionLevel,omitempty"`
	UsageCount      int    `json:"usageCount"`
}

func (s Student) identity() Identity {
	return Identity{
		ID:          s.ID,
		Type:        TypeStudent,
		DisplayName: s.DisplayName,
		CenterID:    s.CenterID,
		CardNumber:  s.CardNumber,
		CardStatus:  cardStatus(s.CardStatus),
		UsageCount:  s.UsageCount,
	}
}

func (t Teacher) identity() Identity {
	return Identity{
		ID:              t.ID,
		Type:            TypeTeacher,
		DisplayName:     t.DisplayName,
		CardNumber:      t.CardNumber,
		CardStatus:      cardStatus(t.CardStatus),
		PermissionLevel: t.PermissionLevel,
		UsageCount:      t.UsageCount,
	}
}

// An unset status predates card statuses and counts as active.
func cardStatus(s string) string {
	if s == "" {
		return CardActive
	}
	return s
}

func collectionFor(t Type) string {
	if t == TypeTeacher {
		return CollectionTeachers
	}
	return CollectionStudents
}

// UnknownCardError means no student or teacher holds the card.
type UnknownCardError struct {
	CardNumber string
}

func (e *UnknownCardError) Error() string {
	return fmt.Sprintf("card %s is not registered", e.CardNumber)
}

// InactiveCardError means the card exists but may not record attendance.
// The owner is included so the operator can tell who tried.
type InactiveCardError struct {
	CardNumber string
	Identity   Identity
}

func (e *InactiveCardError) Error() string {
	return fmt.Sprintf("card %s of %s is %s", e.CardNumber, e.Identity.DisplayName, e.Identity.CardStatus)
}

// AmbiguousCardError means the card number is held by more than one
// record, which breaks the one-card-one-owner rule.
type AmbiguousCardError struct {
	CardNumber string
	Matches    []Identity
}

func (e *AmbiguousCardError) Error() string {
	return fmt.Sprintf("card %s is assigned to %d records", e.CardNumber, len(e.Matches))
}
