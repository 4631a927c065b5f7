package tee

import (
	"bytes"
	"net/http"
	"strconv"
)

// ResponseSaver is a wrapper around http.ResponseWriter that saves the response to a buffer.
// It optionally writes the response to the underlying http.ResponseWriter.
//
// A proxy that cannot reach its upstream reports the failure with Fail instead of writing,
// which leaves the underlying writer untouched for a fallback response.
type ResponseSaver struct {
	rw           http.ResponseWriter
	b            *bytes.Buffer
	header       http.Header
	sentHeader   http.Header
	status       int
	wroteHeaders bool
	capture      bool
	err          error
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Header() http.Header {
	return t.header
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) WriteHeader(statusCode int) {
	if t.wroteHeaders {
		return
	}
	// interim responses (e.g. 103 Early Hints) go to the client as they are,
	// the final status comes later
	if statusCode >= 100 && statusCode <= 199 && statusCode != http.StatusSwitchingProtocols {
		t.writeInterim(statusCode)
		return
	}
	// remember that we wrote the headers
	t.wroteHeaders = true
	// set the status code so we can return it later
	t.status = statusCode
	t.sentHeader = t.header.Clone()
	// write to underlying http.ResponseWriter if not nil
	if t.rw != nil {
		copyHeader(t.rw.Header(), t.header)
		t.rw.WriteHeader(statusCode)
	}
}

// writeInterim sends a 1xx response with the current header.
// The header sent with it is removed from the underlying writer again,
// so it does not leak into the final response.
func (t *ResponseSaver) writeInterim(statusCode int) {
	if t.rw == nil {
		return
	}
	h := t.rw.Header()
	added := make([]string, 0, len(t.header))
	for k, vv := range t.header {
		if _, ok := h[k]; !ok {
			added = append(added, k)
		}
		for _, v := range vv {
			h.Add(k, v)
		}
	}
	t.rw.WriteHeader(statusCode)
	for _, k := range added {
		delete(h, k)
	}
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Write(b []byte) (int, error) {
	// write headers if not already written
	if !t.wroteHeaders {
		t.WriteHeader(http.StatusOK)
	}
	if t.capture {
		t.b.Write(b)
	}
	// write to underlying http.ResponseWriter if not nil
	if t.rw != nil {
		return t.rw.Write(b)
	}
	return len(b), nil
}

// Flush sends buffered data to the client, if the underlying writer supports it.
func (t *ResponseSaver) Flush() {
	if !t.wroteHeaders {
		t.WriteHeader(http.StatusOK)
	}
	if f, ok := t.rw.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap returns the underlying writer, for use with http.ResponseController.
func (t *ResponseSaver) Unwrap() http.ResponseWriter {
	return t.rw
}

// Fail records that the response could not be obtained.
// Nothing is written to the underlying writer.
func (t *ResponseSaver) Fail(err error) {
	t.err = err
}

// Err returns the error recorded by Fail.
func (t *ResponseSaver) Err() error {
	return t.err
}

// Written reports whether a response has been sent to the underlying writer.
func (t *ResponseSaver) Written() bool {
	return t.wroteHeaders
}

// Body returns the recorded response body.
// It is empty unless the saver was created with capture enabled.
func (t *ResponseSaver) Body() []byte {
	return t.b.Bytes()
}

// SentHeader returns the header as it was when the status line was written.
func (t *ResponseSaver) SentHeader() http.Header {
	return t.sentHeader
}

// StatusCode returns the status code of the response.
func (t *ResponseSaver) StatusCode() int {
	return t.status
}

// OK reports whether the response status is in the 2xx range.
func (t *ResponseSaver) OK() bool {
	return t.status >= 200 && t.status <= 299
}

// Complete reports whether the captured body is whole.
// A body shorter than the announced Content-Length means the copy was cut off.
func (t *ResponseSaver) Complete() bool {
	if !t.capture || t.err != nil {
		return false
	}
	cl := t.sentHeader.Get("Content-Length")
	if cl == "" {
		return true
	}
	n, err := strconv.Atoi(cl)
	if err != nil {
		return false
	}
	return n == t.b.Len()
}

// NewResponseSaver returns a new ResponseSaver.
// If rw is not nil, the response will be written (tee'd) to it.
// If capture is true, the body is also saved to a buffer.
func NewResponseSaver(w http.ResponseWriter, capture bool) *ResponseSaver {
	return &ResponseSaver{
		rw:      w,
		b:       &bytes.Buffer{},
		header:  http.Header{},
		capture: capture,
	}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
