package cardreader

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tuition/internal/clock"
)

var scanTime = time.Date(2026, 3, 2, 7, 45, 0, 0, time.UTC)

func validSubmission() Submission {
	return Submission{
		UID:        "a1b2c3",
		DeviceType: "RFID",
		DeviceID:   "gate-1",
		DeviceName: "Front gate",
		Location:   "WX 01",
		Frequency:  "125KHz",
	}
}

func TestNormalizeRFID(t *testing.T) {
	ev, err := Normalize(validSubmission(), scanTime)
	require.NoError(t, err)
	assert.Equal(t, "A1B2C3", ev.RawID)
	assert.Equal(t, RFID, ev.DeviceType)
	assert.Equal(t, Freq125KHz, ev.Frequency)
	assert.Equal(t, "WX 01", ev.Location)
	assert.Equal(t, scanTime, ev.Timestamp)
}

func TestNormalizeNFC(t *testing.T) {
	sub := validSubmission()
	sub.DeviceType, sub.Frequency = "nfc", "13.56MHz"
	ev, err := Normalize(sub, scanTime)
	require.NoError(t, err)
	assert.Equal(t, NFC, ev.DeviceType)
}

func TestNormalizeRejectsMismatchedFrequency(t *testing.T) {
	pairs := []struct{ deviceType, frequency string }{
		{"RFID", "13.56MHz"},
		{"NFC", "125KHz"},
		{"RFID", "134KHz"},
		{"NFC", "13.56 MHz"},
	}
	for _, p := range pairs {
		t.Run(p.deviceType+"/"+p.frequency, func(t *testing.T) {
			sub := validSubmission()
			sub.DeviceType, sub.Frequency = p.deviceType, p.frequency
			_, err := Normalize(sub, scanTime)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, "frequency", ve.Field)
		})
	}
}

func TestNormalizeRejectsUnknownDeviceType(t *testing.T) {
	sub := validSubmission()
	sub.DeviceType = "KEYBOARD"
	_, err := Normalize(sub, scanTime)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "deviceType", ve.Field)
}

func TestNormalizeRequiresEveryField(t *testing.T) {
	blank := map[string]func(*Submission){
		"uid":        func(s *Submission) { s.UID = " " },
		"deviceType": func(s *Submission) { s.DeviceType = "" },
		"deviceId":   func(s *Submission) { s.DeviceID = "" },
		"deviceName": func(s *Submission) { s.DeviceName = "" },
		"location":   func(s *Submission) { s.Location = "" },
		"frequency":  func(s *Submission) { s.Frequency = "" },
	}
	for field, clear := range blank {
		t.Run(field, func(t *testing.T) {
			sub := validSubmission()
			clear(&sub)
			_, err := Normalize(sub, scanTime)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, field, ve.Field)
		})
	}
}

func typeKeys(c *clock.Fake, w *Wedge, s string, gap time.Duration) {
	for _, r := range s {
		w.Press(string(r))
		c.Advance(gap)
	}
}

func TestWedgeEmitsOnEnter(t *testing.T) {
	c := clock.NewFake(scanTime)
	w := NewWedge(c, "", "WX 01")

	typeKeys(c, w, "X9Y8Z7", 50*time.Millisecond)
	ev, ok := w.Press(KeyEnter)
	require.True(t, ok)
	assert.Equal(t, "X9Y8Z7", ev.RawID)
	assert.Equal(t, Keyboard, ev.DeviceType)
	assert.Equal(t, KeyboardDeviceID, ev.DeviceID)
	assert.Equal(t, "WX 01", ev.Location)
	assert.Empty(t, ev.Frequency)
	assert.Empty(t, w.Buffered())

	_, ok = w.Press(KeyEnter)
	assert.False(t, ok, "a second Enter has nothing to flush")
}

func TestWedgeClearsStaleBufferWithoutEnter(t *testing.T) {
	c := clock.NewFake(scanTime)
	w := NewWedge(c, "", "WX 01")

	typeKeys(c, w, "X9Y8Z7", 10*time.Millisecond)
	require.Equal(t, "X9Y8Z7", w.Buffered())

	c.Advance(1200 * time.Millisecond)
	assert.Empty(t, w.Buffered())
	_, ok := w.Press(KeyEnter)
	assert.False(t, ok)
}

func TestWedgeDiscardsAfterLongPause(t *testing.T) {
	c := clock.NewFake(scanTime)
	w := NewWedge(c, "", "WX 01")

	w.Press("1")
	w.Press("2")
	// Ticks past the gap without the timer running, as if the timer
	// goroutine lost the race to the next keystroke.
	w.mu.Lock()
	w.last = w.last.Add(-1100 * time.Millisecond)
	w.mu.Unlock()

	typeKeys(c, w, "AB", 5*time.Millisecond)
	ev, ok := w.Press("\r")
	require.True(t, ok)
	assert.Equal(t, "AB", ev.RawID)
}

func TestWedgeIgnoresModifierKeys(t *testing.T) {
	c := clock.NewFake(scanTime)
	w := NewWedge(c, "", "")
	for _, k := range []string{"Shift", "a", "Tab", " ", "1"} {
		w.Press(k)
	}
	assert.Equal(t, "a1", w.Buffered())
	ev, ok := w.Press(KeyEnter)
	require.True(t, ok)
	assert.Equal(t, "A1", ev.RawID)
}

func TestWedgeRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := NewWedge(clock.NewFake(scanTime), "Desk", "WX 01")
	keys := make(chan string)
	out := w.Run(ctx, keys)

	go func() {
		for _, k := range []string{"C", "A", "F", "E", KeyEnter} {
			keys <- k
		}
		close(keys)
	}()

	select {
	case ev := <-out:
		assert.Equal(t, "CAFE", ev.RawID)
		assert.Equal(t, "Desk", ev.DeviceName)
	case <-time.After(time.Second):
		t.Fatal("no event emitted")
	}
	_, open := <-out
	assert.False(t, open)
}
