// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package loader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/nishisan-dev/n-stream/internal/speed"
)

// chunkKBLadder são os degraus de tamanho de sub-range em KiB. Compartilha
// valores com a ladder de velocidade de propósito: o tamanho do próximo
// chunk é a velocidade normalizada do anterior.
var chunkKBLadder = []int64{128, 256, 384, 512, 768, 1024, 1536, 2048, 3072, 4096, 5120, 6144, 7168, 8192}

// initialChunkKB é o tamanho do primeiro sub-range.
const initialChunkKB = 128

// zeroSpeedFallbackChunks é o número de sub-ranges consecutivos com
// velocidade zero antes de cair para a estimativa instantânea.
const zeroSpeedFallbackChunks = 3

// RangedLoader fatia o recurso em requisições byte-range sucessivas,
// dimensionadas pela velocidade medida. Entrega sub-ranges completos e por
// isso dispensa o stash buffer do controller.
type RangedLoader struct {
	seeker SeekHandler
	cfg    *Config
	sink   EventSink

	status       atomic.Int32
	requestAbort atomic.Bool
	cancel       context.CancelFunc

	sampler        *speed.Sampler
	currentChunkKB int64
	zeroSpeedCount int

	ds             *DataSource
	rng            Range
	totalLength    int64
	receivedLength int64
}

// NewRangedLoader cria um RangedLoader ligado ao sink. Satisfaz Factory.
func NewRangedLoader(seeker SeekHandler, cfg *Config, sink EventSink) Loader {
	return &RangedLoader{
		seeker:         seeker,
		cfg:            cfg,
		sink:           sink,
		sampler:        speed.NewSampler(),
		currentChunkKB: initialChunkKB,
	}
}

// Type retorna o identificador do transporte.
func (l *RangedLoader) Type() string { return "ranged-loader" }

// NeedsStashBuffer reporta false: sub-ranges já chegam coalescidos.
func (l *RangedLoader) NeedsStashBuffer() bool { return false }

// Status retorna o estado corrente da máquina de estados.
func (l *RangedLoader) Status() Status { return Status(l.status.Load()) }

// IsWorking reporta se o loader está conectando ou recebendo dados.
func (l *RangedLoader) IsWorking() bool { return isWorkingStatus(l.Status()) }

// Open inicia o ciclo de sub-ranges para a faixa pedida.
func (l *RangedLoader) Open(ds *DataSource, r Range) error {
	l.ds = ds
	l.rng = r
	l.receivedLength = 0
	l.totalLength = ds.Filesize
	l.sampler.Reset()
	l.currentChunkKB = initialChunkKB
	l.zeroSpeedCount = 0
	l.status.Store(int32(StatusConnecting))

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel

	go l.run(ctx)
	return nil
}

// Abort encerra o ciclo voluntariamente; o status vai a Complete para
// sinalizar fechamento limpo, não erro.
func (l *RangedLoader) Abort() {
	l.requestAbort.Store(true)
	if l.cancel != nil {
		l.cancel()
	}
	if l.IsWorking() {
		l.status.Store(int32(StatusComplete))
	}
}

// Destroy aborta e libera a instância.
func (l *RangedLoader) Destroy() {
	l.Abort()
}

func (l *RangedLoader) run(ctx context.Context) {
	client := newHTTPClient(l.cfg)

	if l.totalLength == 0 {
		if !l.probeTotalLength(ctx, client) {
			return
		}
	}
	if !l.requestAbort.Load() {
		l.sink.OnContentLengthKnown(l.totalLength)
	}

	end := l.totalLength - 1
	if l.rng.To != -1 && l.rng.To < end {
		end = l.rng.To
	}

	if l.requestAbort.Load() {
		return
	}
	l.status.Store(int32(StatusBuffering))

	for {
		if l.requestAbort.Load() {
			return
		}
		next := l.rng.From + l.receivedLength
		if next > end {
			break
		}

		to := next + l.currentChunkKB*1024 - 1
		if to > end {
			to = end
		}

		if !l.fetchSubRange(ctx, client, Range{From: next, To: to}) {
			return
		}
		l.adjustChunkSize()
	}

	if l.requestAbort.Load() {
		return
	}
	l.status.Store(int32(StatusComplete))
	l.sink.OnComplete(l.rng.From, l.rng.From+l.receivedLength-1)
}

// probeTotalLength abre uma requisição {0, -1} apenas para aprender o
// tamanho total pelos headers, abortando o corpo em seguida.
func (l *RangedLoader) probeTotalLength(ctx context.Context, client *http.Client) bool {
	shaped, err := l.seeker.Shape(sourceURL(l.ds, l.cfg), Range{From: 0, To: -1})
	if err != nil {
		l.emitError(KindException, -1, err.Error())
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, shaped.URL, nil)
	if err != nil {
		l.emitError(KindException, -1, err.Error())
		return false
	}
	applyHeaders(req, l.cfg, l.ds, shaped.Headers)

	resp, err := client.Do(req)
	if err != nil {
		if l.requestAbort.Load() {
			return false
		}
		l.emitError(classifyTransportError(err), -1, err.Error())
		return false
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		l.emitError(KindHTTPStatusCodeInvalid, resp.StatusCode, resp.Status)
		return false
	}
	if resp.ContentLength <= 0 {
		l.emitError(KindException, -1, "probe response carries no content length")
		return false
	}

	l.totalLength = resp.ContentLength
	return true
}

// fetchSubRange busca uma faixa e entrega o corpo em chunks contíguos.
// Retorna false quando o ciclo deve parar (erro ou abort).
func (l *RangedLoader) fetchSubRange(ctx context.Context, client *http.Client, sub Range) bool {
	shaped, err := l.seeker.Shape(sourceURL(l.ds, l.cfg), sub)
	if err != nil {
		l.emitError(KindException, -1, err.Error())
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, shaped.URL, nil)
	if err != nil {
		l.emitError(KindException, -1, err.Error())
		return false
	}
	applyHeaders(req, l.cfg, l.ds, shaped.Headers)

	resp, err := client.Do(req)
	if err != nil {
		if l.requestAbort.Load() {
			return false
		}
		l.emitError(classifyTransportError(err), -1, err.Error())
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		l.emitError(KindHTTPStatusCodeInvalid, resp.StatusCode, resp.Status)
		return false
	}

	expected := sub.To - sub.From + 1
	body := NewThrottledReader(ctx, resp.Body, l.cfg.BandwidthLimit)
	buf := make([]byte, readBufferSize)
	var got int64

	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if l.requestAbort.Load() {
				return false
			}
			chunk := make([]byte, n)
			copy(chunk, buf[:n])

			byteStart := l.rng.From + l.receivedLength
			l.receivedLength += int64(n)
			got += int64(n)
			l.sampler.AddBytes(int64(n))
			l.sink.OnDataArrival(chunk, byteStart, l.receivedLength)
		}

		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if l.requestAbort.Load() {
				return false
			}
			l.emitError(KindEarlyEOF, -1, readErr.Error())
			return false
		}
	}

	if got < expected {
		if l.requestAbort.Load() {
			return false
		}
		l.emitError(KindEarlyEOF, -1, fmt.Sprintf(
			"sub-range [%d, %d] ended at %d of %d bytes", sub.From, sub.To, got, expected))
		return false
	}
	return true
}

// adjustChunkSize normaliza a velocidade do último segundo para a ladder
// de tamanhos. Três sub-ranges seguidos sem leitura de velocidade caem
// para a estimativa instantânea.
func (l *RangedLoader) adjustChunkSize() {
	kbps := int64(l.sampler.LastSecondKBps())
	if kbps == 0 {
		l.zeroSpeedCount++
		if l.zeroSpeedCount < zeroSpeedFallbackChunks {
			return
		}
		kbps = int64(l.sampler.CurrentKBps())
		l.zeroSpeedCount = 0
		if kbps == 0 {
			return
		}
	} else {
		l.zeroSpeedCount = 0
	}

	normalized := normalizeChunkKB(kbps)
	if normalized != l.currentChunkKB && l.cfg.Logger != nil {
		l.cfg.Logger.Debug("sub-range size adjusted",
			"kbps", kbps,
			"chunk_kb", normalized,
		)
	}
	l.currentChunkKB = normalized
}

// normalizeChunkKB normaliza uma velocidade em KiB/s para a ladder de
// tamanhos de sub-range.
func normalizeChunkKB(kbps int64) int64 {
	return speed.Normalize(chunkKBLadder, kbps)
}

func (l *RangedLoader) emitError(kind ErrorKind, code int, msg string) {
	if l.requestAbort.Load() {
		return
	}
	l.status.Store(int32(StatusError))
	l.sink.OnLoaderError(kind, ErrorInfo{Code: code, Msg: msg})
}
