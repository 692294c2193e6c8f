// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzip"
)

const (
	// readBufferSize é o tamanho de cada leitura do corpo da resposta.
	readBufferSize = 64 * 1024

	// defaultConnectTimeout é aplicado quando a config não define timeout.
	defaultConnectTimeout = 10 * time.Second
)

// StreamLoader é o transporte HTTP de streaming: uma única requisição GET
// cujo corpo é entregue em chunks conforme chega da rede. Detecta early-EOF
// comparando os bytes recebidos com o Content-Length da resposta.
type StreamLoader struct {
	seeker SeekHandler
	cfg    *Config
	sink   EventSink

	status       atomic.Int32
	requestAbort atomic.Bool

	cancel context.CancelFunc

	ds             *DataSource
	rng            Range
	contentLength  int64 // bytes esperados desta resposta; -1 = desconhecido
	receivedLength int64
}

// NewStreamLoader cria um StreamLoader ligado ao sink. Satisfaz Factory.
func NewStreamLoader(seeker SeekHandler, cfg *Config, sink EventSink) Loader {
	return &StreamLoader{
		seeker:        seeker,
		cfg:           cfg,
		sink:          sink,
		contentLength: -1,
	}
}

// Type retorna o identificador do transporte.
func (l *StreamLoader) Type() string { return "http-stream-loader" }

// NeedsStashBuffer reporta que os chunks chegam em tamanhos imprevisíveis.
func (l *StreamLoader) NeedsStashBuffer() bool { return true }

// Status retorna o estado corrente da máquina de estados.
func (l *StreamLoader) Status() Status { return Status(l.status.Load()) }

// IsWorking reporta se o loader está conectando ou recebendo dados.
func (l *StreamLoader) IsWorking() bool { return isWorkingStatus(l.Status()) }

// Open inicia a requisição para a faixa pedida. Os eventos subsequentes
// chegam pelo sink a partir da goroutine de leitura.
func (l *StreamLoader) Open(ds *DataSource, r Range) error {
	l.ds = ds
	l.rng = r
	l.receivedLength = 0
	l.contentLength = -1
	l.status.Store(int32(StatusConnecting))

	requestURL := sourceURL(ds, l.cfg)
	shaped, err := l.seeker.Shape(requestURL, r)
	if err != nil {
		l.status.Store(int32(StatusError))
		return fmt.Errorf("shaping request for %q: %w", requestURL, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, shaped.URL, nil)
	if err != nil {
		cancel()
		l.status.Store(int32(StatusError))
		return fmt.Errorf("building request for %q: %w", shaped.URL, err)
	}
	applyHeaders(req, l.cfg, l.ds, shaped.Headers)

	client := newHTTPClient(l.cfg)
	go l.run(ctx, client, req, shaped.URL)
	return nil
}

// Abort cancela a requisição em andamento. Chunks já em voo no transporte
// são descartados pela flag de abort antes de alcançarem o sink.
func (l *StreamLoader) Abort() {
	l.requestAbort.Store(true)
	if l.cancel != nil {
		l.cancel()
	}
	if l.IsWorking() {
		l.status.Store(int32(StatusIdle))
	}
}

// Destroy aborta e libera a instância. O loader não é reutilizável.
func (l *StreamLoader) Destroy() {
	l.Abort()
}

func (l *StreamLoader) run(ctx context.Context, client *http.Client, req *http.Request, requestedURL string) {
	resp, err := client.Do(req)
	if err != nil {
		if l.requestAbort.Load() {
			return
		}
		l.emitError(classifyTransportError(err), -1, err.Error())
		return
	}
	defer resp.Body.Close()

	if final := resp.Request.URL.String(); final != requestedURL {
		if !l.requestAbort.Load() {
			l.sink.OnURLRedirect(final)
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		l.emitError(KindHTTPStatusCodeInvalid, resp.StatusCode, resp.Status)
		return
	}

	var body io.Reader = NewThrottledReader(ctx, resp.Body, l.cfg.BandwidthLimit)

	if resp.Header.Get("Content-Encoding") == "gzip" {
		// Corpo comprimido no transporte: o Content-Length refere-se aos
		// bytes comprimidos e não serve para a contabilidade de early-EOF.
		gz, gzErr := gzip.NewReader(body)
		if gzErr != nil {
			l.emitError(KindException, -1, fmt.Sprintf("opening gzip body: %v", gzErr))
			return
		}
		defer gz.Close()
		body = gz
		l.contentLength = -1
	} else if resp.ContentLength > 0 {
		l.contentLength = resp.ContentLength
		if !l.requestAbort.Load() {
			l.sink.OnContentLengthKnown(resp.ContentLength)
		}
	}

	if l.requestAbort.Load() {
		return
	}
	l.status.Store(int32(StatusBuffering))
	l.pump(body)
}

// pump lê o corpo até EOF, entregando cada leitura como um chunk com
// offset absoluto contíguo ao anterior.
func (l *StreamLoader) pump(body io.Reader) {
	buf := make([]byte, readBufferSize)

	for {
		n, err := body.Read(buf)
		if n > 0 {
			if l.requestAbort.Load() {
				return
			}
			chunk := make([]byte, n)
			copy(chunk, buf[:n])

			byteStart := l.rng.From + l.receivedLength
			l.receivedLength += int64(n)
			l.sink.OnDataArrival(chunk, byteStart, l.receivedLength)
		}

		if err == io.EOF {
			l.finish()
			return
		}
		if err != nil {
			if l.requestAbort.Load() {
				return
			}
			// Falha de rede antes do fim do stream conta como early-EOF.
			l.emitError(KindEarlyEOF, -1, err.Error())
			return
		}
	}
}

func (l *StreamLoader) finish() {
	if l.requestAbort.Load() {
		return
	}
	if l.contentLength != -1 && l.receivedLength < l.contentLength {
		l.emitError(KindEarlyEOF, -1, fmt.Sprintf(
			"stream ended at %d of %d expected bytes", l.receivedLength, l.contentLength))
		return
	}
	l.status.Store(int32(StatusComplete))
	l.sink.OnComplete(l.rng.From, l.rng.From+l.receivedLength-1)
}

func (l *StreamLoader) emitError(kind ErrorKind, code int, msg string) {
	if l.requestAbort.Load() {
		return
	}
	l.status.Store(int32(StatusError))
	l.sink.OnLoaderError(kind, ErrorInfo{Code: code, Msg: msg})
}

// sourceURL resolve a URL efetiva, reutilizando a redirecionada quando
// configurado e disponível.
func sourceURL(ds *DataSource, cfg *Config) string {
	if cfg.ReuseRedirectedURL && ds.RedirectedURL != "" {
		return ds.RedirectedURL
	}
	return ds.URL
}

// applyHeaders aplica os headers da config, os hints do DataSource e os
// headers do seek handler, nesta ordem.
func applyHeaders(req *http.Request, cfg *Config, ds *DataSource, seekHeaders map[string]string) {
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}
	if ds.ReferrerPolicy != "" {
		req.Header.Set("Referrer-Policy", ds.ReferrerPolicy)
	}
	for k, v := range seekHeaders {
		req.Header.Set(k, v)
	}
}

// newHTTPClient monta um client com timeout de conexão mas sem timeout de
// corpo: streams ao vivo ficam abertos indefinidamente.
func newHTTPClient(cfg *Config) *http.Client {
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}

	return &http.Client{
		Transport: &http.Transport{
			DialContext:           (&net.Dialer{Timeout: timeout}).DialContext,
			TLSHandshakeTimeout:   timeout,
			ResponseHeaderTimeout: timeout,
			// A descompressão é feita manualmente para manter a
			// contabilidade de offsets sobre os bytes do recurso.
			DisableCompression: true,
		},
	}
}

// classifyTransportError separa timeouts de conexão das demais falhas.
func classifyTransportError(err error) ErrorKind {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindConnectingTimeout
	}
	return KindException
}
