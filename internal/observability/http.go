package observability

import (
	"net"
	"net/http"
	"strings"
)

const (
	HeaderRequestID = "X-Request-Id"
	HeaderDeviceID  = "X-Device-Id"
)

// RequestMeta identifies the caller of a request for logs and audit events.
type RequestMeta struct {
	RequestID string
	DeviceID  string
	IP        string
}

// MetaFromRequest reads caller metadata from headers. Browsers cannot set
// headers on a websocket upgrade, so request_id and device_id query
// parameters are accepted as well.
func MetaFromRequest(r *http.Request) RequestMeta {
	q := r.URL.Query()
	return RequestMeta{
		RequestID: firstNonEmpty(r.Header.Get(HeaderRequestID), q.Get("request_id")),
		DeviceID:  firstNonEmpty(r.Header.Get(HeaderDeviceID), q.Get("device_id")),
		IP:        IPFromRequest(r),
	}
}

// IPFromRequest prefers the left-most X-Forwarded-For hop, then X-Real-IP,
// then the socket peer.
func IPFromRequest(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if real := strings.TrimSpace(r.Header.Get("X-Real-IP")); real != "" {
		return real
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
