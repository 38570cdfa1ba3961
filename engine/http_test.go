package engine_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/foliolab/folio/engine"
	"github.com/foliolab/folio/safeurl"
)

func newClient(baseURL string) *engine.Client {
	return engine.NewClient(engine.Config{
		BaseURL:      baseURL,
		URLValidator: safeurl.AllowAll, // httptest binds to loopback
	})
}

func TestPages_OK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/documents/doc_1/pages" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true,"pages":[
			{"page_number":1,"image_url":"http://cdn/1.png","width":612,"height":792},
			{"page_number":2,"image_url":"http://cdn/2.png","width":612,"height":792}]}`))
	}))
	defer srv.Close()

	pages, err := newClient(srv.URL).Pages(context.Background(), "doc_1")
	if err != nil {
		t.Fatal(err)
	}
	if len(pages) != 2 {
		t.Fatalf("got %d pages, want 2", len(pages))
	}
	if pages[0].Width != 612 {
		t.Fatalf("width = %g", pages[0].Width)
	}
}

func TestPages_EmptyIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true,"pages":[]}`))
	}))
	defer srv.Close()

	pages, err := newClient(srv.URL).Pages(context.Background(), "doc_1")
	if err != nil {
		t.Fatalf("empty page list must not be an error, got %v", err)
	}
	if len(pages) != 0 {
		t.Fatalf("got %d pages, want 0", len(pages))
	}
}

func TestPages_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newClient(srv.URL).Pages(context.Background(), "doc_gone")
	var nf *engine.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	if nf.DocumentID != "doc_gone" {
		t.Fatalf("DocumentID = %q", nf.DocumentID)
	}
	if engine.IsTransient(err) {
		t.Fatal("404 must not be transient")
	}
}

func TestPages_Forbidden(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := newClient(srv.URL).Pages(context.Background(), "doc_private")
	var pe *engine.PermissionError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PermissionError, got %v", err)
	}
	if engine.IsTransient(err) {
		t.Fatal("403 must not be transient")
	}
}

func TestPages_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newClient(srv.URL).Pages(context.Background(), "doc_1")
	if !engine.IsTransient(err) {
		t.Fatalf("500 should be transient, got %v", err)
	}
}

func TestConvert_UsesPOST(t *testing.T) {
	var method string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		w.Write([]byte(`{"ok":true,"pages":[{"page_number":1,"image_url":"http://cdn/1.png","width":595,"height":842}]}`))
	}))
	defer srv.Close()

	pages, err := newClient(srv.URL).Convert(context.Background(), "doc_1")
	if err != nil {
		t.Fatal(err)
	}
	if method != http.MethodPost {
		t.Fatalf("convert used %s, want POST", method)
	}
	if len(pages) != 1 {
		t.Fatalf("got %d pages", len(pages))
	}
}

func TestFetchImage_ExpiredSignature(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := newClient(srv.URL).FetchImage(context.Background(), srv.URL+"/1.png?sig=stale")
	var ex *engine.ExpiredURLError
	if !errors.As(err, &ex) {
		t.Fatalf("expected ExpiredURLError, got %v", err)
	}
}

func TestFetchImage_OK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte{0x89, 'P', 'N', 'G'})
	}))
	defer srv.Close()

	data, err := newClient(srv.URL).FetchImage(context.Background(), srv.URL+"/1.png")
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 4 {
		t.Fatalf("got %d bytes", len(data))
	}
}

func TestPages_RejectsBadIdentifier(t *testing.T) {
	if _, err := newClient("http://api").Pages(context.Background(), "../../etc"); err == nil {
		t.Fatal("expected identifier validation error")
	}
}
