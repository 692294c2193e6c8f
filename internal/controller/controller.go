// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package controller

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/nishisan-dev/n-stream/internal/loader"
	"github.com/nishisan-dev/n-stream/internal/speed"
)

// Erros de construção e de contrato. Nunca são roteados pelo callback de
// erro: aparecem sincronamente em NewController/Open/UpdateURL.
var (
	ErrInvalidArgument = errors.New("controller: invalid argument")
	ErrNoLoader        = errors.New("controller: no loader supports this data source")
	ErrIllegalState    = errors.New("controller: OnDataArrival must be bound before open")
)

// Config contém as opções da sessão de streaming.
type Config struct {
	StashInitialSize   int64 // janela inicial do stash; default 384 KiB
	EnableStashBuffer  bool
	IsLive             bool
	SeekType           string // "range" | "param" | "custom"
	RangeLoadZeroStart bool
	SeekParamStart     string
	SeekParamEnd       string
	CustomSeekHandler  loader.SeekHandler
	CustomLoader       loader.Factory
	PreferRanged       bool
	ReuseRedirectedURL bool
	Headers            map[string]string
	ReferrerPolicy     string
	ConnectTimeout     time.Duration
	BandwidthLimit     int64 // bytes/s; 0 = sem limite
	Logger             *slog.Logger
}

// DefaultConfig retorna a configuração default de uma sessão.
func DefaultConfig() Config {
	return Config{
		StashInitialSize:  defaultStashInitialSize,
		EnableStashBuffer: true,
		SeekType:          "range",
	}
}

// Controller orquestra um loader, o stash buffer e o sampler de
// velocidade, entregando chunks contíguos ao consumidor. Todo o estado é
// serializado por um mutex: os métodos públicos e os eventos do loader
// executam um por vez. Os callbacks do consumidor são invocados com o
// estado travado e não devem re-entrar no Controller.
type Controller struct {
	cfg    Config
	logger *slog.Logger

	mu sync.Mutex

	ds        *loader.DataSource
	extraData any

	seeker  loader.SeekHandler
	factory loader.Factory
	ldr     loader.Loader

	sampler *speed.Sampler

	stashBuffer      []byte
	bufferSize       int64
	stashSize        int64
	stashInitialSize int64
	stashUsed        int64
	stashByteStart   int64
	enableStash      bool

	currentRange           loader.Range
	speedNormalized        int64
	totalLength            int64 // 0 = desconhecido
	fullRequestFlag        bool
	redirectedURL          string
	isEarlyEofReconnecting bool
	paused                 bool
	resumeFrom             int64
	destroyed              bool

	// Callbacks do consumidor. onDataArrival é obrigatório antes do Open;
	// os demais são opcionais (fire-and-forget).
	onDataArrival       func(chunk []byte, byteStart int64) int64
	onSeeked            func()
	onComplete          func(extraData any)
	onRedirect          func(url string)
	onRecoveredEarlyEOF func()
	onError             func(kind loader.ErrorKind, info loader.ErrorInfo)
}

// NewController seleciona o seek handler e a classe de loader para o
// DataSource e prepara a sessão. Falhas de configuração retornam
// ErrInvalidArgument ou ErrNoLoader antes de qualquer I/O.
func NewController(cfg Config, ds *loader.DataSource, extraData any) (*Controller, error) {
	if ds == nil || ds.URL == "" {
		return nil, fmt.Errorf("%w: data source url is required", ErrInvalidArgument)
	}
	if cfg.StashInitialSize <= 0 {
		cfg.StashInitialSize = defaultStashInitialSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	seeker, err := selectSeekHandler(&cfg)
	if err != nil {
		return nil, err
	}
	factory, err := selectLoader(&cfg, ds)
	if err != nil {
		return nil, err
	}

	c := &Controller{
		cfg:              cfg,
		logger:           cfg.Logger.With("component", "io_controller"),
		ds:               ds,
		extraData:        extraData,
		seeker:           seeker,
		factory:          factory,
		sampler:          speed.NewSampler(),
		stashBuffer:      make([]byte, initialBufferSize),
		bufferSize:       initialBufferSize,
		stashSize:        cfg.StashInitialSize,
		stashInitialSize: cfg.StashInitialSize,
		currentRange:     loader.Range{From: 0, To: -1},
	}
	c.createLoader()
	return c, nil
}

// selectSeekHandler resolve a política de shaping a partir do seek_type.
func selectSeekHandler(cfg *Config) (loader.SeekHandler, error) {
	switch cfg.SeekType {
	case "", "range":
		return &loader.RangeSeekHandler{ZeroStart: cfg.RangeLoadZeroStart}, nil
	case "param":
		return loader.NewParamSeekHandler(cfg.SeekParamStart, cfg.SeekParamEnd), nil
	case "custom":
		if cfg.CustomSeekHandler == nil {
			return nil, fmt.Errorf("%w: seek_type custom requires a custom seek handler", ErrInvalidArgument)
		}
		return cfg.CustomSeekHandler, nil
	default:
		return nil, fmt.Errorf("%w: unknown seek_type %q", ErrInvalidArgument, cfg.SeekType)
	}
}

// selectLoader resolve a classe de loader: custom da config, websocket
// para ws(s)://, S3 para s3://, e HTTP ranged ou streaming para http(s)://.
func selectLoader(cfg *Config, ds *loader.DataSource) (loader.Factory, error) {
	if cfg.CustomLoader != nil {
		return cfg.CustomLoader, nil
	}

	u, err := url.Parse(ds.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing url %q: %v", ErrInvalidArgument, ds.URL, err)
	}

	switch u.Scheme {
	case "ws", "wss":
		return loader.NewWebSocketLoader, nil
	case "s3":
		return loader.NewS3Loader, nil
	case "http", "https":
		if cfg.PreferRanged {
			return loader.NewRangedLoader, nil
		}
		return loader.NewStreamLoader, nil
	default:
		return nil, fmt.Errorf("%w: scheme %q", ErrNoLoader, u.Scheme)
	}
}

// createLoader instancia um loader novo da classe selecionada e recalcula
// a disciplina de stash: loaders que já coalescem upstream a dispensam.
func (c *Controller) createLoader() {
	lcfg := &loader.Config{
		ConnectTimeout:     c.cfg.ConnectTimeout,
		Headers:            c.cfg.Headers,
		ReferrerPolicy:     c.cfg.ReferrerPolicy,
		BandwidthLimit:     c.cfg.BandwidthLimit,
		ReuseRedirectedURL: c.cfg.ReuseRedirectedURL,
		Logger:             c.cfg.Logger,
	}
	c.ldr = c.factory(c.seeker, lcfg, c)
	c.enableStash = c.cfg.EnableStashBuffer && c.ldr.NeedsStashBuffer()
}

// BindDataArrival registra o consumidor. Obrigatório antes do Open.
func (c *Controller) BindDataArrival(fn func(chunk []byte, byteStart int64) int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDataArrival = fn
}

// BindSeeked registra o callback de seek concluído.
func (c *Controller) BindSeeked(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSeeked = fn
}

// BindComplete registra o callback de fim de stream.
func (c *Controller) BindComplete(fn func(extraData any)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onComplete = fn
}

// BindRedirect registra o callback de redirect.
func (c *Controller) BindRedirect(fn func(url string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRedirect = fn
}

// BindRecoveredEarlyEOF registra o callback de recuperação de early-EOF.
func (c *Controller) BindRecoveredEarlyEOF(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRecoveredEarlyEOF = fn
}

// BindError registra o callback de erro. Sem ele, erros de stream são
// fatais (panic), como uma IOException não tratada.
func (c *Controller) BindError(fn func(kind loader.ErrorKind, info loader.ErrorInfo)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = fn
}

// Open abre a sessão a partir do offset pedido. from == 0 marca a
// requisição como completa: o primeiro content-length reportado é tratado
// como o tamanho total do recurso.
func (c *Controller) Open(from int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.destroyed {
		return fmt.Errorf("%w: controller destroyed", ErrIllegalState)
	}
	if c.onDataArrival == nil {
		return ErrIllegalState
	}

	c.currentRange = loader.Range{From: from, To: -1}
	c.sampler.Reset()
	if from == 0 {
		c.fullRequestFlag = true
	}

	return c.ldr.Open(c.ds, loader.Range{From: from, To: -1})
}

// Abort aborta o loader corrente. O stash não é descartado — Destroy faz
// a liberação completa.
func (c *Controller) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.destroyed {
		return
	}
	c.ldr.Abort()
	if c.paused {
		c.paused = false
		c.resumeFrom = 0
	}
}

// Pause aborta o loader e registra o próximo byte devido ao consumidor,
// de modo que Resume retome exatamente dali. Bytes no stash serão
// rebuscados: a faixa corrente recua para antes deles.
func (c *Controller) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isWorkingLocked() {
		return
	}

	c.ldr.Abort()

	if c.stashUsed != 0 {
		c.resumeFrom = c.stashByteStart
		c.currentRange.To = c.stashByteStart - 1
	} else {
		c.resumeFrom = c.currentRange.To + 1
	}
	c.stashUsed = 0
	c.stashByteStart = 0
	c.paused = true
}

// Resume retoma uma sessão pausada do byte registrado pelo Pause.
func (c *Controller) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.destroyed || !c.paused {
		return
	}
	c.paused = false
	bytes := c.resumeFrom
	c.resumeFrom = 0
	c.internalSeek(bytes, true)
}

// Seek reposiciona a sessão no offset pedido, descartando o stash.
func (c *Controller) Seek(bytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.destroyed {
		return
	}
	c.paused = false
	c.stashUsed = 0
	c.stashByteStart = 0
	c.internalSeek(bytes, true)
}

// internalSeek troca a instância de loader e reabre a partir de bytes.
// A janela de stash volta ao tamanho inicial; a capacidade do buffer não
// encolhe.
func (c *Controller) internalSeek(bytes int64, dropUnconsumed bool) {
	if c.ldr.IsWorking() {
		c.ldr.Abort()
	}

	c.flushStash(dropUnconsumed)

	c.ldr.Destroy()
	c.createLoader()

	requestRange := loader.Range{From: bytes, To: -1}
	c.currentRange = loader.Range{From: bytes, To: -1}
	c.sampler.Reset()
	c.stashSize = c.stashInitialSize

	if err := c.ldr.Open(c.ds, requestRange); err != nil {
		c.logger.Error("loader reopen failed on seek", "from", bytes, "error", err)
		c.emitErrorLocked(loader.KindException, loader.ErrorInfo{Code: -1, Msg: err.Error()})
		return
	}

	if c.onSeeked != nil {
		c.onSeeked()
	}
}

// UpdateURL troca a URL de origem; vale a partir da próxima abertura de
// loader.
func (c *Controller) UpdateURL(newURL string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if newURL == "" {
		return fmt.Errorf("%w: url must not be empty", ErrInvalidArgument)
	}
	c.ds.URL = newURL
	return nil
}

// Destroy aborta, destrói o loader e libera buffers e callbacks. O
// Controller não é reutilizável depois.
func (c *Controller) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.destroyed {
		return
	}
	c.destroyed = true

	if c.ldr.IsWorking() {
		c.ldr.Abort()
	}
	c.ldr.Destroy()
	c.ldr = nil

	c.stashBuffer = nil
	c.stashUsed = 0
	c.stashByteStart = 0

	c.onDataArrival = nil
	c.onSeeked = nil
	c.onComplete = nil
	c.onRedirect = nil
	c.onRecoveredEarlyEOF = nil
	c.onError = nil
}

// Observáveis.

// Status retorna o estado do loader corrente.
func (c *Controller) Status() loader.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ldr == nil {
		return loader.StatusIdle
	}
	return c.ldr.Status()
}

// IsWorking reporta se há um loader ativo e a sessão não está pausada.
func (c *Controller) IsWorking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isWorkingLocked()
}

func (c *Controller) isWorkingLocked() bool {
	return c.ldr != nil && c.ldr.IsWorking() && !c.paused
}

// IsPaused reporta se a sessão está pausada.
func (c *Controller) IsPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// CurrentSpeed retorna a velocidade do último segundo em KiB/s.
func (c *Controller) CurrentSpeed() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sampler.LastSecondKBps()
}

// AverageSpeed retorna a velocidade média da sessão em KiB/s.
func (c *Controller) AverageSpeed() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sampler.AverageKBps()
}

// CurrentURL retorna a URL de origem corrente.
func (c *Controller) CurrentURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ds.URL
}

// HasRedirect reporta se o transporte seguiu um redirect.
func (c *Controller) HasRedirect() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.redirectedURL != "" || c.ds.RedirectedURL != ""
}

// CurrentRedirectedURL retorna a URL resolvida após redirects, se houver.
func (c *Controller) CurrentRedirectedURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.redirectedURL != "" {
		return c.redirectedURL
	}
	return c.ds.RedirectedURL
}

// LoaderType retorna o identificador do transporte selecionado.
func (c *Controller) LoaderType() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ldr == nil {
		return ""
	}
	return c.ldr.Type()
}

// Eventos do loader (loader.EventSink).

// OnContentLengthKnown memoiza o tamanho total quando a abertura foi uma
// requisição completa.
func (c *Controller) OnContentLengthKnown(length int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.destroyed {
		return
	}
	if c.fullRequestFlag {
		c.totalLength = length
		c.fullRequestFlag = false
	}
}

// OnURLRedirect memoiza a URL resolvida e repassa ao consumidor.
func (c *Controller) OnURLRedirect(redirectURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.destroyed {
		return
	}
	c.redirectedURL = redirectURL
	c.ds.RedirectedURL = redirectURL
	if c.onRedirect != nil {
		c.onRedirect(redirectURL)
	}
}

// OnComplete descarrega o stash e sinaliza o fim do stream.
func (c *Controller) OnComplete(_, _ int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.destroyed {
		return
	}
	c.flushStash(true)
	if c.onComplete != nil {
		c.onComplete(c.extraData)
	}
}

// OnLoaderError aplica a política de recuperação local: early-EOF de
// stream sob demanda com tamanho conhecido reconecta do próximo byte
// devido; o restante descarrega o stash e escala ao consumidor.
func (c *Controller) OnLoaderError(kind loader.ErrorKind, info loader.ErrorInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.destroyed {
		return
	}

	c.logger.Warn("loader error",
		"kind", kind,
		"code", info.Code,
		"msg", info.Msg,
	)

	if kind == loader.KindEarlyEOF {
		nextFrom := c.currentRange.To + 1
		if !c.cfg.IsLive && c.totalLength > 0 && nextFrom < c.totalLength {
			c.logger.Warn("connection lost, reconnecting", "from", nextFrom)
			c.isEarlyEofReconnecting = true
			c.internalSeek(nextFrom, false)
			return
		}
		kind = loader.KindUnrecoverableEarlyEOF
	}

	c.emitErrorLocked(kind, info)
}

func (c *Controller) emitErrorLocked(kind loader.ErrorKind, info loader.ErrorInfo) {
	c.flushStash(false)

	if c.onError == nil {
		panic(fmt.Sprintf("controller: unhandled loader error %v: [%d] %s", kind, info.Code, info.Msg))
	}
	c.onError(kind, info)
}

// OnDataArrival é o coração do engine: amostra a velocidade, ajusta a
// janela de stash e aplica a disciplina de entrega (§ stash habilitado ou
// passthrough), preservando o alinhamento exato de bytes.
func (c *Controller) OnDataArrival(chunk []byte, byteStart int64, _ int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.destroyed {
		return
	}
	if c.onDataArrival == nil {
		panic("controller: chunk arrived with no OnDataArrival consumer bound")
	}
	if c.paused {
		// O loader foi abortado pelo Pause; chunks em voo são velhos.
		return
	}

	if c.isEarlyEofReconnecting {
		c.isEarlyEofReconnecting = false
		if c.onRecoveredEarlyEOF != nil {
			c.onRecoveredEarlyEOF()
		}
	}

	c.sampler.AddBytes(int64(len(chunk)))

	if kbps := int64(c.sampler.LastSecondKBps()); kbps != 0 {
		normalized := speed.NormalizeKBps(kbps)
		if normalized != c.speedNormalized {
			c.speedNormalized = normalized
			c.adjustStashSize(normalized)
		}
	}

	if !c.enableStash {
		c.arrivalPassthrough(chunk, byteStart)
	} else {
		c.arrivalStashed(chunk, byteStart)
	}
}

// arrivalPassthrough despacha imediatamente, usando o stash apenas para
// caudas que o consumidor não aceitou.
func (c *Controller) arrivalPassthrough(chunk []byte, byteStart int64) {
	if c.stashUsed == 0 {
		consumed := c.dispatchChunks(chunk, byteStart)
		if consumed < int64(len(chunk)) {
			c.stashRemainder(chunk, byteStart, consumed)
		}
		return
	}

	// Há cauda pendente: anexa e despacha o stash inteiro para manter a
	// contiguidade.
	if c.stashUsed+int64(len(chunk)) > c.bufferSize {
		c.expandBuffer(c.stashUsed + int64(len(chunk)))
	}
	c.appendToStash(chunk)

	buffer := c.stashBuffer[:c.stashUsed]
	consumed := c.dispatchChunks(buffer, c.stashByteStart)
	if consumed < c.stashUsed && consumed > 0 {
		copy(c.stashBuffer, buffer[consumed:])
	}
	c.stashUsed -= consumed
	c.stashByteStart += consumed
}

// arrivalStashed acumula até a janela de stash e despacha quando um chunk
// a transbordaria.
func (c *Controller) arrivalStashed(chunk []byte, byteStart int64) {
	if c.stashUsed == 0 && c.stashByteStart == 0 {
		// Stash virgem após open/seek: ancora no offset do primeiro chunk.
		c.stashByteStart = byteStart
	}

	if c.stashUsed+int64(len(chunk)) <= c.stashSize {
		if c.stashUsed+int64(len(chunk)) > c.bufferSize {
			c.expandBuffer(c.stashUsed + int64(len(chunk)))
		}
		c.appendToStash(chunk)
		return
	}

	if c.stashUsed > 0 {
		buffer := c.stashBuffer[:c.stashUsed]
		consumed := c.dispatchChunks(buffer, c.stashByteStart)
		if consumed < c.stashUsed {
			if consumed > 0 {
				copy(c.stashBuffer, buffer[consumed:])
				c.stashUsed -= consumed
				c.stashByteStart += consumed
			}
		} else {
			c.stashUsed = 0
			c.stashByteStart += consumed
		}

		if c.stashUsed+int64(len(chunk)) > c.bufferSize {
			c.expandBuffer(c.stashUsed + int64(len(chunk)))
		}
		c.appendToStash(chunk)
		return
	}

	consumed := c.dispatchChunks(chunk, byteStart)
	if consumed < int64(len(chunk)) {
		c.stashRemainder(chunk, byteStart, consumed)
	}
}

// adjustStashSize redimensiona a janela a partir da velocidade
// normalizada. Streams ao vivo seguem a velocidade; sob demanda a janela
// cresce mais agressivamente em faixas altas, com teto de 8 MiB.
func (c *Controller) adjustStashSize(normalizedKBps int64) {
	var stashSizeKB int64

	if c.cfg.IsLive {
		stashSizeKB = normalizedKBps
	} else {
		switch {
		case normalizedKBps < 512:
			stashSizeKB = normalizedKBps
		case normalizedKBps <= 1024:
			stashSizeKB = normalizedKBps * 3 / 2
		default:
			stashSizeKB = normalizedKBps * 2
		}
	}

	if stashSizeKB > maxStashSizeKB {
		stashSizeKB = maxStashSizeKB
	}

	// A janela nova entra antes do crescimento: o buffer resultante fica
	// exatamente em stash + 1 MiB de folga.
	c.stashSize = stashSizeKB * 1024
	desiredBuffer := c.stashSize + bufferHeadroom
	if c.bufferSize < desiredBuffer {
		c.expandBuffer(desiredBuffer)
	}
}
