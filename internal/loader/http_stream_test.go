// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package loader

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
)

func testPayload(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func openStream(t *testing.T, url string, r Range) (*recordSink, Loader) {
	t.Helper()
	sink := newRecordSink()
	l := NewStreamLoader(&RangeSeekHandler{}, &Config{}, sink)
	if err := l.Open(&DataSource{URL: url}, r); err != nil {
		t.Fatalf("Open: %v", err)
	}
	return sink, l
}

func TestStreamLoader_DeliversWholeResource(t *testing.T) {
	payload := testPayload(200 * 1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprint(len(payload)))
		w.Write(payload)
	}))
	defer srv.Close()

	sink, l := openStream(t, srv.URL, Range{From: 0, To: -1})
	sink.wait(t)

	if !sink.completed {
		t.Fatalf("expected complete, got error %v %+v", sink.errKind, sink.errInfo)
	}
	if !bytes.Equal(sink.data, payload) {
		t.Errorf("payload mismatch: got %d bytes, want %d", len(sink.data), len(payload))
	}
	if sink.discontinuous {
		t.Error("chunks arrived with gaps or overlaps")
	}
	if sink.contentLength != int64(len(payload)) {
		t.Errorf("contentLength = %d, want %d", sink.contentLength, len(payload))
	}
	if sink.completeFrom != 0 || sink.completeTo != int64(len(payload))-1 {
		t.Errorf("complete range = [%d, %d], want [0, %d]",
			sink.completeFrom, sink.completeTo, len(payload)-1)
	}
	if l.Status() != StatusComplete {
		t.Errorf("status = %v, want complete", l.Status())
	}
}

func TestStreamLoader_RangedOpenOffsetsChunks(t *testing.T) {
	payload := testPayload(1000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Range"); got != "bytes=400-" {
			t.Errorf("Range header = %q, want bytes=400-", got)
		}
		w.WriteHeader(http.StatusPartialContent)
		w.Write(payload[400:])
	}))
	defer srv.Close()

	sink, _ := openStream(t, srv.URL, Range{From: 400, To: -1})
	sink.wait(t)

	if !sink.completed {
		t.Fatalf("expected complete, got error %v", sink.errKind)
	}
	if sink.firstStart != 400 {
		t.Errorf("first byteStart = %d, want 400", sink.firstStart)
	}
	if !bytes.Equal(sink.data, payload[400:]) {
		t.Error("ranged payload mismatch")
	}
	if sink.completeFrom != 400 || sink.completeTo != 999 {
		t.Errorf("complete range = [%d, %d], want [400, 999]", sink.completeFrom, sink.completeTo)
	}
}

func TestStreamLoader_HTTPStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	sink, l := openStream(t, srv.URL, Range{From: 0, To: -1})
	sink.wait(t)

	if !sink.hasErr || sink.errKind != KindHTTPStatusCodeInvalid {
		t.Fatalf("expected http status error, got completed=%v kind=%v", sink.completed, sink.errKind)
	}
	if sink.errInfo.Code != http.StatusNotFound {
		t.Errorf("code = %d, want 404", sink.errInfo.Code)
	}
	if l.Status() != StatusError {
		t.Errorf("status = %v, want error", l.Status())
	}
}

func TestStreamLoader_EarlyEOFOnShortBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Declara 1000 bytes mas entrega só 500: o server corta a conexão
		w.Header().Set("Content-Length", "1000")
		w.Write(testPayload(500))
	}))
	defer srv.Close()

	sink, _ := openStream(t, srv.URL, Range{From: 0, To: -1})
	sink.wait(t)

	if !sink.hasErr || sink.errKind != KindEarlyEOF {
		t.Fatalf("expected early eof, got completed=%v kind=%v", sink.completed, sink.errKind)
	}
}

func TestStreamLoader_GzipBodyIsDecoded(t *testing.T) {
	payload := testPayload(64 * 1024)
	var compressed bytes.Buffer
	gz := gzip.NewWriter(&compressed)
	gz.Write(payload)
	gz.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Content-Length", fmt.Sprint(compressed.Len()))
		w.Write(compressed.Bytes())
	}))
	defer srv.Close()

	sink, _ := openStream(t, srv.URL, Range{From: 0, To: -1})
	sink.wait(t)

	if !sink.completed {
		t.Fatalf("expected complete, got error %v %+v", sink.errKind, sink.errInfo)
	}
	if !bytes.Equal(sink.data, payload) {
		t.Errorf("decoded payload mismatch: got %d bytes, want %d", len(sink.data), len(payload))
	}
	// Content-Length comprimido não vale para contabilidade de offsets
	if sink.contentLength != 0 {
		t.Errorf("compressed content length must not be reported, got %d", sink.contentLength)
	}
}

func TestStreamLoader_ReportsRedirect(t *testing.T) {
	var target *httptest.Server
	target = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer target.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, target.URL+"/final", http.StatusFound)
	}))
	defer srv.Close()

	sink, _ := openStream(t, srv.URL, Range{From: 0, To: -1})
	sink.wait(t)

	if !sink.completed {
		t.Fatalf("expected complete, got %v", sink.errKind)
	}
	if len(sink.redirects) != 1 || sink.redirects[0] != target.URL+"/final" {
		t.Errorf("redirects = %v, want [%s/final]", sink.redirects, target.URL)
	}
}

func TestStreamLoader_AbortSuppressesEvents(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100000")
		w.(http.Flusher).Flush()
		<-release
	}))
	defer srv.Close()
	defer close(release)

	sink, l := openStream(t, srv.URL, Range{From: 0, To: -1})

	// Dá tempo do loader conectar antes de abortar
	time.Sleep(100 * time.Millisecond)
	l.Abort()

	select {
	case <-sink.done:
		t.Fatal("no terminal event may be delivered after abort")
	case <-time.After(300 * time.Millisecond):
	}

	if l.IsWorking() {
		t.Error("loader must not be working after abort")
	}
}

func TestStreamLoader_ReusesRedirectedURL(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if r.URL.Path != "/moved" {
			t.Errorf("expected request to /moved, got %s", r.URL.Path)
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	sink := newRecordSink()
	cfg := &Config{ReuseRedirectedURL: true}
	l := NewStreamLoader(&RangeSeekHandler{}, cfg, sink)

	ds := &DataSource{URL: srv.URL + "/original", RedirectedURL: srv.URL + "/moved"}
	if err := l.Open(ds, Range{From: 0, To: -1}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	sink.wait(t)

	if !sink.completed {
		t.Fatalf("expected complete, got %v", sink.errKind)
	}
	if hits != 1 {
		t.Errorf("expected exactly one request, got %d", hits)
	}
}
