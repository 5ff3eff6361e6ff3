// Package broadcast tells connected dashboards that attendance, points or
// announcement data changed. Frames carry only the newest record ids per
// collection; clients diff them against what they last saw and re-fetch.
package broadcast

import (
	"encoding/json"
	"time"
)

// FrameType is the "type" field of every frame.
type FrameType string

const (
	FrameConnected  FrameType = "connected"
	FrameKeepalive  FrameType = "keepalive"
	FrameDataUpdate FrameType = "data_update"
)

// Fingerprints are the newest record ids of each watched collection.
type Fingerprints struct {
	LatestTransactionID  string `json:"latestTransactionId"`
	LatestPointsID       string `json:"latestPointsId"`
	LatestAnnouncementID string `json:"latestAnnouncementId"`
	LatestAttendanceID   string `json:"latestAttendanceId"`
}

// Frame is one push message.
type Frame struct {
	Type      FrameType `json:"type"`
	ClientID  string    `json:"clientId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	*Fingerprints
}

// Connected greets a new channel.
func Connected(clientID string, at time.Time) Frame {
	return Frame{Type: FrameConnected, ClientID: clientID, Timestamp: at}
}

// Keepalive is the heartbeat frame.
func Keepalive(at time.Time) Frame {
	return Frame{Type: FrameKeepalive, Timestamp: at}
}

// DataUpdate announces the current fingerprints.
func DataUpdate(fp Fingerprints, at time.Time) Frame {
	return Frame{Type: FrameDataUpdate, Timestamp: at, Fingerprints: &fp}
}

// SSE encodes the frame as a Server-Sent-Events "data: <json>\n\n" block.
func (f Frame) SSE() ([]byte, error) {
	raw, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(raw)+8)
	out = append(out, "data: "...)
	out = append(out, raw...)
	out = append(out, '\n', '\n')
	return out, nil
}
