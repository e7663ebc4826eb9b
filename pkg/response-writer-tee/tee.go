package tee

import (
	"net/http"
	"time"
)

// ResponseSaver is a wrapper around http.ResponseWriter that remembers the status code
// and the headers of the response passing through it.
// The body is written straight to the underlying http.ResponseWriter and not retained.
type ResponseSaver struct {
	rw           http.ResponseWriter
	status       int
	written      int64
	wroteHeaders bool
	CreatedAt    time.Time
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Header() http.Header {
	return t.rw.Header()
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) WriteHeader(statusCode int) {
	if t.wroteHeaders {
		return
	}
	// remember that we wrote the headers
	t.wroteHeaders = true
	// set the status code so we can return it later
	t.status = statusCode
	t.rw.WriteHeader(statusCode)
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Write(b []byte) (int, error) {
	// write headers if not already written
	if !t.wroteHeaders {
		t.WriteHeader(http.StatusOK)
	}
	n, err := t.rw.Write(b)
	t.written += int64(n)
	return n, err
}

// Flush implements http.Flusher if the underlying writer does.
func (t *ResponseSaver) Flush() {
	if f, ok := t.rw.(http.Flusher); ok {
		f.Flush()
	}
}

// Updates returns a slice of the urls that should be updated as a result of the (write) request.
func (t *ResponseSaver) Updates() []string {
	return t.rw.Header().Values("Cache-Update")
}

// StatusCode returns the status code of the response.
// It is zero if nothing has been written yet.
func (t *ResponseSaver) StatusCode() int {
	return t.status
}

// BytesWritten returns the number of body bytes passed through.
func (t *ResponseSaver) BytesWritten() int64 {
	return t.written
}

// NewResponseSaver returns a new ResponseSaver writing through to w.
func NewResponseSaver(w http.ResponseWriter) *ResponseSaver {
	return &ResponseSaver{
		CreatedAt: time.Now(),
		rw:        w,
	}
}
