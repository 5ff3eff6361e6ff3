package cardreader

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"tuition/internal/clock"
)

// KeyEnter is the key name that terminates a wedge scan. A bare "\r" or
// "\n" is accepted too since terminals in raw mode deliver those.
const KeyEnter = "Enter"

// DefaultKeyGap is the longest pause between keystrokes of one scan.
// Card readers type a whole UID in a few milliseconds; a longer pause means
// a person is typing or a scan was cut off.
const DefaultKeyGap = 1000 * time.Millisecond

// Wedge reassembles card ids from a keyboard-wedge reader's keystrokes.
type Wedge struct {
	clock      clock.Clock
	gap        time.Duration
	deviceName string
	location   string

	mu    sync.Mutex
	buf   strings.Builder
	last  time.Time
	timer clock.Timer
}

// NewWedge returns a wedge buffer for one reader at location.
func NewWedge(c clock.Clock, deviceName, location string) *Wedge {
	if c == nil {
		c = clock.Real()
	}
	return &Wedge{clock: c, gap: DefaultKeyGap, deviceName: deviceName, location: location}
}

// Press feeds one key. It returns an event when Enter completes a
// non-empty scan. Non-printable keys other than Enter are ignored.
func (w *Wedge) Press(key string) (CardScanEvent, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.clock.Now()

	if w.buf.Len() > 0 && now.Sub(w.last) > w.gap {
		w.resetLocked()
	}

	if key == KeyEnter || key == "\r" || key == "\n" {
		raw := w.buf.String()
		w.resetLocked()
		if raw == "" {
			return CardScanEvent{}, false
		}
		ev, err := KeyboardEvent(raw, w.deviceName, w.location, now)
		return ev, err == nil
	}

	if !printable(key) {
		return CardScanEvent{}, false
	}
	w.buf.WriteString(key)
	w.last = now
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = w.clock.AfterFunc(w.gap+time.Millisecond, w.expire)
	return CardScanEvent{}, false
}

// expire drops a partial scan nobody finished.
func (w *Wedge) expire() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 && w.clock.Now().Sub(w.last) > w.gap {
		w.resetLocked()
	}
}

func (w *Wedge) resetLocked() {
	w.buf.Reset()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

// Buffered returns the characters collected so far.
func (w *Wedge) Buffered() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

// Run feeds keys until ctx ends or keys closes, emitting completed scans.
func (w *Wedge) Run(ctx context.Context, keys <-chan string) <-chan CardScanEvent {
	out := make(chan CardScanEvent)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case key, ok := <-keys:
				if !ok {
					return
				}
				ev, done := w.Press(key)
				if !done {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func printable(key string) bool {
	if utf8.RuneCountInString(key) != 1 {
		return false
	}
	r, _ := utf8.DecodeRuneInString(key)
	return unicode.IsPrint(r) && !unicode.IsSpace(r)
}
