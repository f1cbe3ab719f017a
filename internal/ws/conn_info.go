package ws

import "time"

// ConnInfo identifies one UI connection in logs and audit records.
type ConnInfo struct {
	ConnID      string
	StaffID     string
	DeviceID    string
	IP          string
	RequestID   string
	TraceID     string
	ConnectedAt time.Time
}
