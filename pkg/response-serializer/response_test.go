package serializer

import (
	"bufio"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestFromResponseBodyIntact(t *testing.T) {
	response := "HTTP/1.1 200 OK\r\nServer: Test\r\nContent-Length: 16\r\n\r\nThis is the body"

	res, err := http.ReadResponse(bufio.NewReader(strings.NewReader(response)), nil)
	if err != nil {
		t.Fatal(err)
	}

	sRes, err := FromResponse(res)
	if err != nil {
		t.Fatalf("Error: %v", err)
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("Error: %v", err)
	}
	if string(body) != "This is the body" {
		t.Fatalf("Body: %s", body)
	}
	if string(sRes.Body) != "This is the body" {
		t.Fatalf("Stored body: %s", sRes.Body)
	}
}

func TestStoredResponseSerialization(t *testing.T) {
	storedAt := time.Unix(1700000000, 0)
	sRes := StoredResponse{
		StatusCode: 200,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       []byte(`{"projects":[]}`),
		StoredAt:   storedAt,
	}

	bts, err := sRes.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	read, err := FromBytes(bts)
	if err != nil {
		t.Fatal(err)
	}

	if read.StatusCode != 200 {
		t.Fatalf("Status code %d", read.StatusCode)
	}
	if string(read.Body) != `{"projects":[]}` {
		t.Fatalf("Body: %s", read.Body)
	}
	if ct := read.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type: %s", ct)
	}
	if read.Header.Get(storedAtHeaderName) != "" {
		t.Fatalf("Internal header leaked")
	}
	if !read.StoredAt.Equal(storedAt) {
		t.Fatalf("Stored at %v, expected %v", read.StoredAt, storedAt)
	}
}

func TestBinaryBodyRoundTrip(t *testing.T) {
	body := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0x00, 0xff}
	bts, err := StoredResponse{StatusCode: 200, Body: body}.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	read, err := FromBytes(bts)
	if err != nil {
		t.Fatal(err)
	}
	if string(read.Body) != string(body) {
		t.Fatalf("Body changed: %v", read.Body)
	}
}

func TestOK(t *testing.T) {
	for status, ok := range map[int]bool{200: true, 204: true, 299: true, 304: false, 404: false, 503: false} {
		if (StoredResponse{StatusCode: status}).OK() != ok {
			t.Fatalf("OK() for %d should be %v", status, ok)
		}
	}
}
