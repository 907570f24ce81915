// Package proxy forwards public HTTP requests to the SD and LLM workers,
// bridging streaming responses (SSE progress, LLM completions) through a
// bounded channel so a slow client never backs up the upstream read, and
// buffering everything else.
package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	headerWaitTimeout = 10 * time.Second
	defaultTimeout    = 300 * time.Second
	llmLoadTimeout    = 600 * time.Second
	sseReadTimeout    = 3600 * time.Second

	chunkQueueDepth = 64
)

var hopByHopHeaders = []string{"Connection", "Transfer-Encoding", "Content-Length", "Host"}

// Proxy forwards requests to a worker over plain HTTP, injecting the
// shared internal-token header the worker requires on every call.
type Proxy struct {
	client        *http.Client
	internalToken string
	log           *slog.Logger
}

// New creates a Proxy that authenticates every forwarded request with
// internalToken.
func New(internalToken string, log *slog.Logger) *Proxy {
	return &Proxy{
		client:        &http.Client{},
		internalToken: internalToken,
		log:           log,
	}
}

// Forward proxies r to host:port, optionally rewriting the upstream path
// to targetPath (empty means reuse r.URL.Path/RawQuery).
func (p *Proxy) Forward(w http.ResponseWriter, r *http.Request, host string, port int, targetPath string) {
	path := targetPath
	if path == "" {
		path = r.URL.Path
		if r.URL.RawQuery != "" {
			path += "?" + r.URL.RawQuery
		}
	}

	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, `{"error":"failed to read request body"}`, http.StatusBadGateway)
			return
		}
	}

	if isStreamingPath(path) || requestsStream(body) {
		p.forwardStreaming(w, r, host, port, path, body)
		return
	}
	p.forwardBuffered(w, r, host, port, path, body)
}

func isStreamingPath(path string) bool {
	return strings.Contains(path, "/completions") ||
		strings.Contains(path, "/progress") ||
		strings.Contains(path, "/llm/load")
}

func requestsStream(body []byte) bool {
	return bytes.Contains(body, []byte(`"stream": true`)) || bytes.Contains(body, []byte(`"stream":true`))
}

func (p *Proxy) timeoutFor(path string) time.Duration {
	switch {
	case strings.Contains(path, "/llm/load"):
		return llmLoadTimeout
	case strings.Contains(path, "/progress") || strings.Contains(path, "/completions"):
		return sseReadTimeout
	default:
		return defaultTimeout
	}
}

func (p *Proxy) buildRequest(ctx context.Context, r *http.Request, host string, port int, path string, body []byte) (*http.Request, error) {
	url := fmt.Sprintf("http://%s:%d%s", host, port, path)

	var bodyReader io.Reader
	if len(body) > 0 {
		bodyReader = bytes.NewReader(body)
	}
	out, err := http.NewRequestWithContext(ctx, r.Method, url, bodyReader)
	if err != nil {
		return nil, err
	}

	out.Header = r.Header.Clone()
	for _, h := range hopByHopHeaders {
		out.Header.Del(h)
	}
	if p.internalToken != "" {
		out.Header.Set("X-Internal-Token", p.internalToken)
	}
	return out, nil
}

func copySafeHeaders(dst http.Header, src http.Header) {
	for key, values := range src {
		switch key {
		case "Content-Length", "Transfer-Encoding", "Connection":
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

// forwardBuffered performs a standard request/response proxy: the whole
// upstream body is read before anything is written to the client.
func (p *Proxy) forwardBuffered(w http.ResponseWriter, r *http.Request, host string, port int, path string, body []byte) {
	ctx, cancel := context.WithTimeout(r.Context(), p.timeoutFor(path))
	defer cancel()

	out, err := p.buildRequest(ctx, r, host, port, path, body)
	if err != nil {
		http.Error(w, `{"error":"failed to build upstream request"}`, http.StatusBadGateway)
		return
	}

	resp, err := p.client.Do(out)
	if err != nil {
		p.log.Warn("proxy: upstream connect failed", "host", host, "port", port, "path", path, "error", err)
		http.Error(w, `{"error":"Proxy failed to connect to worker"}`, http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	copySafeHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		p.log.Warn("proxy: copy response body failed", "path", path, "error", err)
	}
}

type headerResult struct {
	status int
	header http.Header
	err    error
}

// forwardStreaming runs the upstream request on its own goroutine and
// bridges its body to the client through a bounded channel, mirroring a
// producer/consumer chunk queue: the producer (upstream reader) never
// blocks on a slow client beyond the channel's capacity, and the
// consumer (client writer) flushes each chunk as it arrives. If no
// status line arrives within headerWaitTimeout, the client gets a 504
// without ever seeing a partial stream.
func (p *Proxy) forwardStreaming(w http.ResponseWriter, r *http.Request, host string, port int, path string, body []byte) {
	ctx, cancel := context.WithTimeout(r.Context(), p.timeoutFor(path))
	defer cancel()

	headers := make(chan headerResult, 1)
	chunks := make(chan []byte, chunkQueueDepth)

	go func() {
		defer close(chunks)

		out, err := p.buildRequest(ctx, r, host, port, path, body)
		if err != nil {
			headers <- headerResult{err: err}
			return
		}

		resp, err := p.client.Do(out)
		if err != nil {
			headers <- headerResult{err: err}
			return
		}
		defer resp.Body.Close()
		headers <- headerResult{status: resp.StatusCode, header: resp.Header}

		buf := make([]byte, 32*1024)
		for {
			n, readErr := resp.Body.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				chunks <- chunk
			}
			if readErr != nil {
				return
			}
		}
	}()

	select {
	case hr := <-headers:
		if hr.err != nil {
			p.log.Warn("proxy: streaming upstream connect failed", "host", host, "port", port, "path", path, "error", hr.err)
			http.Error(w, `{"error":"Proxy failed to connect to worker"}`, http.StatusBadGateway)
			return
		}
		copySafeHeaders(w.Header(), hr.header)
		w.WriteHeader(hr.status)
	case <-time.After(headerWaitTimeout):
		http.Error(w, `{"error":"Worker timeout during header wait"}`, http.StatusGatewayTimeout)
		return
	}

	flusher, canFlush := w.(http.Flusher)
	for chunk := range chunks {
		if _, err := w.Write(chunk); err != nil {
			p.log.Warn("proxy: write chunk to client failed", "path", path, "error", err)
			return
		}
		if canFlush {
			flusher.Flush()
		}
	}
}
