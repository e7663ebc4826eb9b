package tee

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSaverRecordsStatusAndPassesBody(t *testing.T) {
	rr := httptest.NewRecorder()
	rs := NewResponseSaver(rr)

	rs.Header().Add("Cache-Update", "/api/projects")
	rs.Header().Add("Cache-Update", "/api/customers; delay=2")
	rs.WriteHeader(http.StatusCreated)
	rs.Write([]byte("created"))

	if rs.StatusCode() != http.StatusCreated {
		t.Fatalf("Status is %d", rs.StatusCode())
	}
	if rr.Code != http.StatusCreated {
		t.Fatalf("Underlying status is %d", rr.Code)
	}
	if body, _ := io.ReadAll(rr.Result().Body); string(body) != "created" {
		t.Fatalf("Body is %s", body)
	}
	if updates := rs.Updates(); len(updates) != 2 {
		t.Fatalf("Updates are %v", updates)
	}
	if rs.BytesWritten() != 7 {
		t.Fatalf("Bytes written %d", rs.BytesWritten())
	}
}

func TestImplicitOK(t *testing.T) {
	rs := NewResponseSaver(httptest.NewRecorder())
	rs.Write([]byte("hi"))
	if rs.StatusCode() != http.StatusOK {
		t.Fatalf("Status is %d", rs.StatusCode())
	}
}
