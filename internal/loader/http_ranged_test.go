// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package loader

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// rangedServer serve um recurso estático honrando o header Range e
// registra cada requisição recebida.
func rangedServer(payload []byte) (*httptest.Server, *[]string, *sync.Mutex) {
	var mu sync.Mutex
	var requests []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests = append(requests, r.Header.Get("Range"))
		mu.Unlock()
		http.ServeContent(w, r, "resource.bin", time.Time{}, bytes.NewReader(payload))
	}))
	return srv, &requests, &mu
}

func TestRangedLoader_FetchesInSubRanges(t *testing.T) {
	payload := testPayload(300 * 1024)
	srv, requests, mu := rangedServer(payload)
	defer srv.Close()

	sink := newRecordSink()
	l := NewRangedLoader(&RangeSeekHandler{}, &Config{}, sink)
	if err := l.Open(&DataSource{URL: srv.URL, Filesize: int64(len(payload))}, Range{From: 0, To: -1}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	sink.wait(t)

	if !sink.completed {
		t.Fatalf("expected complete, got error %v %+v", sink.errKind, sink.errInfo)
	}
	if !bytes.Equal(sink.data, payload) {
		t.Errorf("payload mismatch: got %d bytes, want %d", len(sink.data), len(payload))
	}
	if sink.discontinuous {
		t.Error("sub-ranges arrived with gaps or overlaps")
	}
	if sink.contentLength != int64(len(payload)) {
		t.Errorf("contentLength = %d, want %d", sink.contentLength, len(payload))
	}

	mu.Lock()
	defer mu.Unlock()
	// 300 KiB com chunks iniciais de 128 KiB: pelo menos 3 sub-ranges
	if len(*requests) < 3 {
		t.Errorf("expected at least 3 sub-range requests, got %d: %v", len(*requests), *requests)
	}
	if (*requests)[0] != "bytes=0-131071" {
		t.Errorf("first sub-range = %q, want bytes=0-131071", (*requests)[0])
	}
}

func TestRangedLoader_ProbesUnknownLength(t *testing.T) {
	payload := testPayload(200 * 1024)
	srv, requests, mu := rangedServer(payload)
	defer srv.Close()

	sink := newRecordSink()
	l := NewRangedLoader(&RangeSeekHandler{}, &Config{}, sink)
	// Filesize desconhecido: o loader deve sondar o tamanho primeiro
	if err := l.Open(&DataSource{URL: srv.URL}, Range{From: 0, To: -1}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	sink.wait(t)

	if !sink.completed {
		t.Fatalf("expected complete, got error %v %+v", sink.errKind, sink.errInfo)
	}
	if sink.contentLength != int64(len(payload)) {
		t.Errorf("probed length = %d, want %d", sink.contentLength, len(payload))
	}
	if !bytes.Equal(sink.data, payload) {
		t.Error("payload mismatch after probe")
	}

	mu.Lock()
	defer mu.Unlock()
	// Primeira requisição é a sonda sem header Range
	if (*requests)[0] != "" {
		t.Errorf("probe request must have no Range header, got %q", (*requests)[0])
	}
}

func TestRangedLoader_OpensMidResource(t *testing.T) {
	payload := testPayload(256 * 1024)
	srv, _, _ := rangedServer(payload)
	defer srv.Close()

	sink := newRecordSink()
	l := NewRangedLoader(&RangeSeekHandler{}, &Config{}, sink)
	if err := l.Open(&DataSource{URL: srv.URL, Filesize: int64(len(payload))}, Range{From: 100000, To: -1}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	sink.wait(t)

	if !sink.completed {
		t.Fatalf("expected complete, got error %v", sink.errKind)
	}
	if sink.firstStart != 100000 {
		t.Errorf("first byteStart = %d, want 100000", sink.firstStart)
	}
	if !bytes.Equal(sink.data, payload[100000:]) {
		t.Error("mid-resource payload mismatch")
	}
	if sink.completeFrom != 100000 || sink.completeTo != int64(len(payload))-1 {
		t.Errorf("complete range = [%d, %d]", sink.completeFrom, sink.completeTo)
	}
}

func TestRangedLoader_StatusErrorPropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	sink := newRecordSink()
	l := NewRangedLoader(&RangeSeekHandler{}, &Config{}, sink)
	if err := l.Open(&DataSource{URL: srv.URL, Filesize: 1000}, Range{From: 0, To: -1}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	sink.wait(t)

	if !sink.hasErr || sink.errKind != KindHTTPStatusCodeInvalid {
		t.Fatalf("expected http status error, got completed=%v kind=%v", sink.completed, sink.errKind)
	}
	if sink.errInfo.Code != http.StatusForbidden {
		t.Errorf("code = %d, want 403", sink.errInfo.Code)
	}
}

func TestRangedLoader_AbortTransitionsToComplete(t *testing.T) {
	payload := testPayload(512 * 1024)
	srv, _, _ := rangedServer(payload)
	defer srv.Close()

	sink := newRecordSink()
	l := NewRangedLoader(&RangeSeekHandler{}, &Config{}, sink)
	if err := l.Open(&DataSource{URL: srv.URL, Filesize: int64(len(payload))}, Range{From: 0, To: -1}); err != nil {
		t.Fatalf("Open: %v", err)
	}

	l.Abort()

	// Fechamento voluntário: o status sinaliza Complete, não erro
	if l.Status() != StatusComplete {
		t.Errorf("status = %v, want complete after voluntary abort", l.Status())
	}
	if l.IsWorking() {
		t.Error("loader must not be working after abort")
	}
}

func TestChunkLadderNormalization(t *testing.T) {
	cases := []struct {
		kbps int64
		want int64
	}{
		{100, 128},
		{128, 128},
		{500, 384},
		{8192, 8192},
		{20000, 8192},
	}
	for _, tc := range cases {
		if got := normalizeChunkKB(tc.kbps); got != tc.want {
			t.Errorf("normalizeChunkKB(%d) = %d, want %d", tc.kbps, got, tc.want)
		}
	}
}
