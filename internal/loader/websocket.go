// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package loader

import (
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

// WebSocketLoader recebe o stream como frames binários de um websocket.
// Não há noção de faixa: Open ignora o range e os offsets dos chunks são
// o acumulado de bytes recebidos pela conexão.
type WebSocketLoader struct {
	cfg  *Config
	sink EventSink

	status       atomic.Int32
	requestAbort atomic.Bool

	conn           *websocket.Conn
	receivedLength int64
}

// NewWebSocketLoader cria um WebSocketLoader ligado ao sink. Satisfaz
// Factory; o seek handler é ignorado porque o transporte não tem faixas.
func NewWebSocketLoader(_ SeekHandler, cfg *Config, sink EventSink) Loader {
	return &WebSocketLoader{cfg: cfg, sink: sink}
}

// Type retorna o identificador do transporte.
func (l *WebSocketLoader) Type() string { return "websocket-loader" }

// NeedsStashBuffer reporta que os frames chegam em tamanhos imprevisíveis.
func (l *WebSocketLoader) NeedsStashBuffer() bool { return true }

// Status retorna o estado corrente da máquina de estados.
func (l *WebSocketLoader) Status() Status { return Status(l.status.Load()) }

// IsWorking reporta se o loader está conectando ou recebendo dados.
func (l *WebSocketLoader) IsWorking() bool { return isWorkingStatus(l.Status()) }

// Open conecta ao endpoint e começa a consumir frames.
func (l *WebSocketLoader) Open(ds *DataSource, _ Range) error {
	l.receivedLength = 0
	l.status.Store(int32(StatusConnecting))

	timeout := l.cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	dialer := &websocket.Dialer{HandshakeTimeout: timeout}

	header := http.Header{}
	for k, v := range l.cfg.Headers {
		header.Set(k, v)
	}

	conn, resp, err := dialer.Dial(sourceURL(ds, l.cfg), header)
	if err != nil {
		l.status.Store(int32(StatusError))
		if errors.Is(err, websocket.ErrBadHandshake) && resp != nil {
			return fmt.Errorf("websocket handshake rejected with status %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("dialing websocket: %w", err)
	}

	l.conn = conn
	l.status.Store(int32(StatusBuffering))

	go l.run()
	return nil
}

// Abort fecha a conexão; o status vai a Complete para sinalizar
// fechamento voluntário, não erro.
func (l *WebSocketLoader) Abort() {
	l.requestAbort.Store(true)
	if l.conn != nil {
		l.conn.Close()
	}
	if l.IsWorking() {
		l.status.Store(int32(StatusComplete))
	}
}

// Destroy aborta e libera a instância.
func (l *WebSocketLoader) Destroy() {
	l.Abort()
}

func (l *WebSocketLoader) run() {
	for {
		msgType, data, err := l.conn.ReadMessage()
		if err != nil {
			if l.requestAbort.Load() {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				l.status.Store(int32(StatusComplete))
				l.sink.OnComplete(0, l.receivedLength-1)
				return
			}
			l.status.Store(int32(StatusError))
			l.sink.OnLoaderError(KindException, ErrorInfo{Code: -1, Msg: err.Error()})
			return
		}

		switch msgType {
		case websocket.BinaryMessage, websocket.TextMessage:
			if l.requestAbort.Load() {
				return
			}
			byteStart := l.receivedLength
			l.receivedLength += int64(len(data))
			l.sink.OnDataArrival(data, byteStart, l.receivedLength)
		default:
			if l.requestAbort.Load() {
				return
			}
			l.status.Store(int32(StatusError))
			l.sink.OnLoaderError(KindException, ErrorInfo{
				Code: -1,
				Msg:  fmt.Sprintf("unsupported websocket frame type %d", msgType),
			})
			return
		}
	}
}
