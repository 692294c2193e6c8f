// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package loader

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3API é o subconjunto do client S3 usado pelo loader. Permite injetar
// um fake nos testes sem credenciais reais.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Loader serve URLs s3://bucket/key via GetObject com header Range.
// O corpo chega como stream e é entregue em chunks como no loader HTTP.
type S3Loader struct {
	cfg  *Config
	sink EventSink

	status       atomic.Int32
	requestAbort atomic.Bool
	cancel       context.CancelFunc

	// Client injetável; quando nil, Open resolve a cadeia de credenciais
	// default do SDK.
	Client S3API

	rng            Range
	contentLength  int64
	receivedLength int64
}

// NewS3Loader cria um S3Loader ligado ao sink. Satisfaz Factory; o seek
// handler é ignorado porque a faixa vira o header Range do GetObject.
func NewS3Loader(_ SeekHandler, cfg *Config, sink EventSink) Loader {
	return &S3Loader{cfg: cfg, sink: sink, contentLength: -1}
}

// Type retorna o identificador do transporte.
func (l *S3Loader) Type() string { return "s3-loader" }

// NeedsStashBuffer reporta que os chunks chegam em tamanhos imprevisíveis.
func (l *S3Loader) NeedsStashBuffer() bool { return true }

// Status retorna o estado corrente da máquina de estados.
func (l *S3Loader) Status() Status { return Status(l.status.Load()) }

// IsWorking reporta se o loader está conectando ou recebendo dados.
func (l *S3Loader) IsWorking() bool { return isWorkingStatus(l.Status()) }

// Open resolve bucket/key da URL e inicia o GetObject para a faixa.
func (l *S3Loader) Open(ds *DataSource, r Range) error {
	bucket, key, err := parseS3URL(sourceURL(ds, l.cfg))
	if err != nil {
		l.status.Store(int32(StatusError))
		return err
	}

	l.rng = r
	l.receivedLength = 0
	l.contentLength = -1
	l.status.Store(int32(StatusConnecting))

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel

	if l.Client == nil {
		awsCfg, cfgErr := awsconfig.LoadDefaultConfig(ctx)
		if cfgErr != nil {
			cancel()
			l.status.Store(int32(StatusError))
			return fmt.Errorf("loading aws config: %w", cfgErr)
		}
		l.Client = s3.NewFromConfig(awsCfg)
	}

	go l.run(ctx, bucket, key)
	return nil
}

// Abort cancela o GetObject em andamento.
func (l *S3Loader) Abort() {
	l.requestAbort.Store(true)
	if l.cancel != nil {
		l.cancel()
	}
	if l.IsWorking() {
		l.status.Store(int32(StatusIdle))
	}
}

// Destroy aborta e libera a instância.
func (l *S3Loader) Destroy() {
	l.Abort()
}

func (l *S3Loader) run(ctx context.Context, bucket, key string) {
	in := &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}
	if l.rng.From != 0 || l.rng.To != -1 {
		if l.rng.To != -1 {
			in.Range = aws.String(fmt.Sprintf("bytes=%d-%d", l.rng.From, l.rng.To))
		} else {
			in.Range = aws.String(fmt.Sprintf("bytes=%d-", l.rng.From))
		}
	}

	out, err := l.Client.GetObject(ctx, in)
	if err != nil {
		if l.requestAbort.Load() {
			return
		}
		l.status.Store(int32(StatusError))
		l.sink.OnLoaderError(KindException, ErrorInfo{Code: -1, Msg: err.Error()})
		return
	}
	defer out.Body.Close()

	if out.ContentLength != nil && *out.ContentLength > 0 {
		l.contentLength = *out.ContentLength
		if !l.requestAbort.Load() {
			l.sink.OnContentLengthKnown(l.contentLength)
		}
	}

	if l.requestAbort.Load() {
		return
	}
	l.status.Store(int32(StatusBuffering))

	body := NewThrottledReader(ctx, out.Body, l.cfg.BandwidthLimit)
	buf := make([]byte, readBufferSize)

	for {
		n, readErr := body.Read(buf)
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

		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if l.requestAbort.Load() {
				return
			}
			l.status.Store(int32(StatusError))
			l.sink.OnLoaderError(KindEarlyEOF, ErrorInfo{Code: -1, Msg: readErr.Error()})
			return
		}
	}

	if l.requestAbort.Load() {
		return
	}
	if l.contentLength != -1 && l.receivedLength < l.contentLength {
		l.status.Store(int32(StatusError))
		l.sink.OnLoaderError(KindEarlyEOF, ErrorInfo{Code: -1, Msg: fmt.Sprintf(
			"object stream ended at %d of %d expected bytes", l.receivedLength, l.contentLength)})
		return
	}

	l.status.Store(int32(StatusComplete))
	l.sink.OnComplete(l.rng.From, l.rng.From+l.receivedLength-1)
}

// parseS3URL extrai bucket e key de uma URL s3://bucket/path/to/key.
func parseS3URL(rawURL string) (bucket, key string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("parsing s3 url: %w", err)
	}
	if u.Scheme != "s3" || u.Host == "" {
		return "", "", fmt.Errorf("invalid s3 url %q: expected s3://bucket/key", rawURL)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", "", fmt.Errorf("invalid s3 url %q: missing object key", rawURL)
	}
	return u.Host, key, nil
}
