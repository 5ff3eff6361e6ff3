// Package cardreader turns the three physical input paths (RFID 125KHz, NFC
// 13.56MHz and keyboard-wedge readers) into one CardScanEvent.
package cardreader

import (
	"fmt"
	"strings"
	"time"
)

// DeviceType is the reader hardware class.
type DeviceType string

const (
	RFID     DeviceType = "RFID"
	NFC      DeviceType = "NFC"
	Keyboard DeviceType = "KEYBOARD"
)

// Frequency is the carrier frequency a contactless reader reports.
type Frequency string

const (
	Freq125KHz  Frequency = "125KHz"
	Freq1356MHz Frequency = "13.56MHz"
)

// KeyboardDeviceID identifies scans typed by a keyboard-wedge reader.
const KeyboardDeviceID = "keyboard-nfc-reader"

// frequencies maps each contactless device type to the only frequency it
// may report.
var frequencies = map[DeviceType]Frequency{
	RFID: Freq125KHz,
	NFC:  Freq1356MHz,
}

// CardScanEvent is one card presentation, normalized. It is handed straight
// to identity resolution and never stored.
type CardScanEvent struct {
	RawID      string     `json:"rawId"`
	DeviceType DeviceType `json:"deviceType"`
	Frequency  Frequency  `json:"frequency,omitempty"`
	DeviceID   string     `json:"deviceId"`
	DeviceName string     `json:"deviceName"`
	Location   string     `json:"location"`
	Timestamp  time.Time  `json:"timestamp"`
}

// ValidationError rejects a malformed scan. Nothing is persisted for it.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid scan: %s %s", e.Field, e.Reason)
}

// Submission is the body a contactless reader posts.
type Submission struct {
	UID        string `json:"uid"`
	DeviceType string `json:"deviceType"`
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`
	Location   string `json:"location"`
	Frequency  string `json:"frequency"`
}

// Normalize validates a contactless submission and builds its event.
// Every field is required and the frequency must be the one that belongs
// to the device type.
func Normalize(sub Submission, now time.Time) (CardScanEvent, error) {
	required := []struct{ name, value string }{
		{"uid", sub.UID},
		{"deviceType", sub.DeviceType},
		{"deviceId", sub.DeviceID},
		{"deviceName", sub.DeviceName},
		{"location", sub.Location},
		{"frequency", sub.Frequency},
	}
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			return CardScanEvent{}, &ValidationError{Field: f.name, Reason: "is required"}
		}
	}

	dt := DeviceType(strings.ToUpper(strings.TrimSpace(sub.DeviceType)))
	want, ok := frequencies[dt]
	if !ok {
		return CardScanEvent{}, &ValidationError{Field: "deviceType", Reason: "must be RFID or NFC"}
	}
	freq := Frequency(strings.TrimSpace(sub.Frequency))
	if freq != want {
		return CardScanEvent{}, &ValidationError{
			Field:  "frequency",
			Reason: fmt.Sprintf("must be %s for %s devices, got %s", want, dt, freq),
		}
	}

	return CardScanEvent{
		RawID:      NormalizeUID(sub.UID),
		DeviceType: dt,
		Frequency:  freq,
		DeviceID:   strings.TrimSpace(sub.DeviceID),
		DeviceName: strings.TrimSpace(sub.DeviceName),
		Location:   strings.TrimSpace(sub.Location),
		Timestamp:  now,
	}, nil
}

// KeyboardEvent builds the event for a raw id typed by a keyboard-wedge
// reader.
func KeyboardEvent(rawID, deviceName, location string, at time.Time) (CardScanEvent, error) {
	uid := NormalizeUID(rawID)
	if uid == "" {
		return CardScanEvent{}, &ValidationError{Field: "rawId", Reason: "is required"}
	}
	if deviceName == "" {
		deviceName = "Keyboard NFC Reader"
	}
	return CardScanEvent{
		RawID:      uid,
		DeviceType: Keyboard,
		DeviceID:   KeyboardDeviceID,
		DeviceName: deviceName,
		Location:   location,
		Timestamp:  at,
	}, nil
}

// NormalizeUID trims whitespace and upper-cases hex card ids so readers
// that emit "a1b2c3" and "A1B2C3" resolve to the same card.
func NormalizeUID(uid string) string {
	return strings.ToUpper(strings.TrimSpace(uid))
}
