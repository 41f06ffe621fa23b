package proxy

import (
	"net/http"
	"net/textproto"
	"strings"

	"github.com/yolkispalkis/detoxgate/pkg/common"
)

// Hop-by-hop headers, never forwarded in either direction.
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

const viaValue = "1.1 " + common.ProductName

// removeHopByHop drops the fixed hop-by-hop set and everything the
// Connection header names.
func removeHopByHop(h http.Header) {
	for _, value := range h.Values("Connection") {
		for _, token := range strings.Split(value, ",") {
			if token = textproto.TrimString(token); token != "" {
				h.Del(token)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// wantsClose reports whether the client asked to close after this request,
// including the legacy Proxy-Connection header.
func wantsClose(req *http.Request) bool {
	if req.Close {
		return true
	}
	for _, v := range req.Header.Values("Proxy-Connection") {
		if strings.EqualFold(strings.TrimSpace(v), "close") {
			return true
		}
	}
	return false
}
