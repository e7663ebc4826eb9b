package serializer

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const storedAtHeaderName = "Sw-Stored-At"

// StoredResponse is a fully buffered response, as kept in a cache partition.
type StoredResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// The value of the clock at the time the response was put into the cache.
	StoredAt time.Time
}

// OK reports whether the status is in the success range, i.e. whether the response may be stored.
func (s StoredResponse) OK() bool {
	return s.StatusCode >= 200 && s.StatusCode <= 299
}

// FromResponse buffers the response body.
// When it returns, the response body is rewound so that it can still be read by the caller.
func FromResponse(res *http.Response) (StoredResponse, error) {
	sRes := StoredResponse{
		StatusCode: res.StatusCode,
		Header:     res.Header.Clone(),
		StoredAt:   time.Now(),
	}
	if sRes.Header == nil {
		sRes.Header = http.Header{}
	}
	if res.Body != nil {
		body, err := io.ReadAll(res.Body)
		res.Body.Close()
		if err != nil {
			return sRes, fmt.Errorf("read response body: %w", err)
		}
		res.Body = io.NopCloser(bytes.NewReader(body))
		sRes.Body = body
	}
	return sRes, nil
}

// Bytes returns the HTTP/1.1 representation of the stored response.
func (s StoredResponse) Bytes() ([]byte, error) {
	header := s.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	storedAt := s.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now()
	}
	header.Set(storedAtHeaderName, strconv.FormatInt(storedAt.Unix(), 10))
	res := &http.Response{
		StatusCode:    s.StatusCode,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(s.Body)),
		ContentLength: int64(len(s.Body)),
	}
	buf := &bytes.Buffer{}
	if err := res.Write(buf); err != nil {
		return nil, fmt.Errorf("write response: %w", err)
	}
	return buf.Bytes(), nil
}

// FromBytes converts a byte slice written by Bytes back to a stored response.
func FromBytes(b []byte) (StoredResponse, error) {
	sRes := StoredResponse{}
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
	if err != nil {
		return sRes, fmt.Errorf("read stored response: %w", err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return sRes, fmt.Errorf("read stored body: %w", err)
	}
	sRes.StatusCode = res.StatusCode
	sRes.Header = res.Header
	sRes.Body = body
	if storedAt, err := strconv.ParseInt(res.Header.Get(storedAtHeaderName), 10, 64); err == nil {
		sRes.StoredAt = time.Unix(storedAt, 0)
	}
	sRes.Header.Del(storedAtHeaderName)
	return sRes, nil
}
