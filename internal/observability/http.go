package observability

import (
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// ClientInfo identifies the UI client behind a request.
type ClientInfo struct {
	RequestID string
	StaffID   string
	DeviceID  string
	IP        string
}

// ClientInfoFromRequest extracts identifying headers, minting a request id when absent.
func ClientInfoFromRequest(r *http.Request) ClientInfo {
	requestID := r.Header.Get("X-Request-Id")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	return ClientInfo{
		RequestID: requestID,
		StaffID:   r.Header.Get("X-User-Id"),
		DeviceID:  r.Header.Get("X-Device-Id"),
		IP:        ipFromRequest(r),
	}
}

func ipFromRequest(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}
