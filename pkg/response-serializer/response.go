package serializer

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
)

// ResponseToBytes returns the HTTP/1.1 representation of a response with the given parts.
// The body is written verbatim with an exact Content-Length,
// so reading it back gives a byte-identical body.
func ResponseToBytes(statusCode int, header http.Header, body []byte) ([]byte, error) {
	res := &http.Response{
		StatusCode:    statusCode,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header.Clone(),
		ContentLength: int64(len(body)),
		Body:          io.NopCloser(bytes.NewReader(body)),
	}
	if res.Header == nil {
		res.Header = http.Header{}
	}
	buf := &bytes.Buffer{}
	if err := res.Write(buf); err != nil {
		return nil, fmt.Errorf("write response: %w", err)
	}
	return buf.Bytes(), nil
}

// BytesToResponse converts bytes written by ResponseToBytes back to a response.
// The request is attached to the response and may be nil.
func BytesToResponse(b []byte, req *http.Request) (*http.Response, error) {
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), req)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return res, nil
}
