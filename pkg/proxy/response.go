package proxy

import (
	"bytes"
	"fmt"
	"html"
	"io"
	"net/http"
	"strings"

	"github.com/yolkispalkis/detoxgate/pkg/common"
)

const errorPage = `<!DOCTYPE html>
<html>
<head><title>%[1]d %[2]s</title></head>
<body>
<h1>%[1]d %[2]s</h1>
<p>%[3]s</p>
<hr><address>%[4]s</address>
</body>
</html>
`

// errorResponse builds the page sent when no candidate could serve a
// request. The connection is closed after it.
func errorResponse(req *http.Request, status int, cause error) *http.Response {
	msg := "The request could not be forwarded."
	if cause != nil {
		msg = cause.Error()
	}
	body := fmt.Sprintf(errorPage, status, http.StatusText(status), html.EscapeString(msg), common.ProductName)
	resp := newResponse(req, status, []byte(body))
	resp.Header.Set("Content-Type", "text/html; charset=utf-8")
	resp.Header.Set("Via", viaValue)
	resp.Close = true
	return resp
}

func newResponse(req *http.Request, status int, body []byte) *http.Response {
	return &http.Response{
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        make(http.Header),
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

// responseBuffer lets the management handlers write through the standard
// http.Handler interface on a connection we parse ourselves.
type responseBuffer struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newResponseBuffer() *responseBuffer {
	return &responseBuffer{header: make(http.Header)}
}

func (b *responseBuffer) Header() http.Header { return b.header }

func (b *responseBuffer) WriteHeader(status int) {
	if b.status == 0 {
		b.status = status
	}
}

func (b *responseBuffer) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(p)
}

func (b *responseBuffer) response(req *http.Request) *http.Response {
	status := b.status
	if status == 0 {
		status = http.StatusOK
	}
	resp := newResponse(req, status, b.body.Bytes())
	resp.Header = b.header
	if resp.Header.Get("Content-Type") == "" && b.body.Len() > 0 {
		resp.Header.Set("Content-Type", http.DetectContentType(b.body.Bytes()))
	}
	return resp
}

// countingWriter counts bytes written to the client.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func isBodyless(req *http.Request, resp *http.Response) bool {
	if req != nil && strings.EqualFold(req.Method, http.MethodHead) {
		return true
	}
	return resp.StatusCode/100 == 1 || resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotModified
}
