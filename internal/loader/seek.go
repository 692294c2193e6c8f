// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package loader

import (
	"fmt"
	"net/url"
	"strconv"
)

// ShapedRequest é o resultado de traduzir uma faixa lógica para parâmetros
// de transporte: a URL final e headers adicionais.
type ShapedRequest struct {
	URL     string
	Headers map[string]string
}

// SeekHandler traduz uma faixa lógica {from, to} para a requisição concreta.
// Implementações são stateless e podem ser compartilhadas entre loaders.
type SeekHandler interface {
	Shape(rawURL string, r Range) (ShapedRequest, error)
}

// RangeSeekHandler materializa a faixa como header HTTP Range.
type RangeSeekHandler struct {
	// ZeroStart força "Range: bytes=0-" independente da faixa pedida,
	// para servidores que resolvem o offset por outro canal.
	ZeroStart bool
}

// Shape retorna a URL inalterada e o header Range correspondente.
// Faixa default (from=0, to=-1) sem ZeroStart não gera header.
func (h *RangeSeekHandler) Shape(rawURL string, r Range) (ShapedRequest, error) {
	headers := make(map[string]string)

	switch {
	case h.ZeroStart:
		headers["Range"] = "bytes=0-"
	case r.From != 0 || r.To != -1:
		if r.To != -1 {
			headers["Range"] = fmt.Sprintf("bytes=%d-%d", r.From, r.To)
		} else {
			headers["Range"] = fmt.Sprintf("bytes=%d-", r.From)
		}
	}

	return ShapedRequest{URL: rawURL, Headers: headers}, nil
}

// ParamSeekHandler materializa a faixa como query parameters na URL.
type ParamSeekHandler struct {
	StartName string // default "bstart"
	EndName   string // default "bend"
}

// NewParamSeekHandler cria um ParamSeekHandler aplicando os nomes default.
func NewParamSeekHandler(startName, endName string) *ParamSeekHandler {
	if startName == "" {
		startName = "bstart"
	}
	if endName == "" {
		endName = "bend"
	}
	return &ParamSeekHandler{StartName: startName, EndName: endName}
}

// Shape remove parâmetros de faixa pré-existentes da URL e anexa os novos.
// Faixa default não anexa parâmetros.
func (h *ParamSeekHandler) Shape(rawURL string, r Range) (ShapedRequest, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ShapedRequest{}, fmt.Errorf("parsing seek url: %w", err)
	}

	q := u.Query()
	q.Del(h.StartName)
	q.Del(h.EndName)

	if r.From != 0 || r.To != -1 {
		q.Set(h.StartName, strconv.FormatInt(r.From, 10))
		if r.To != -1 {
			q.Set(h.EndName, strconv.FormatInt(r.To, 10))
		}
	}

	u.RawQuery = q.Encode()
	return ShapedRequest{URL: u.String(), Headers: map[string]string{}}, nil
}
