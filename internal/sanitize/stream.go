package sanitize

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"

	"github.com/gonkalabs/trustlayer-proxy/internal/vault"
)

// TokenResolver looks up the value behind a token. *vault.Vault implements it.
type TokenResolver interface {
	Resolve(ctx context.Context, sessionID, token string) (string, bool, error)
}

// Restorer resolves tokens for one response. It caches lookups so a token
// repeated in the output costs one vault read. Not safe for concurrent use.
type Restorer struct {
	resolver  TokenResolver
	sessionID string
	cache     map[string]string
	missing   map[string]bool

	Restored   int // tokens replaced by their value
	Unresolved int // well-formed tokens left verbatim
	Degraded   int // lookups that failed on a store error
}

// NewRestorer returns a Restorer bound to sessionID.
func NewRestorer(r TokenResolver, sessionID string) *Restorer {
	return &Restorer{
		resolver:  r,
		sessionID: sessionID,
		cache:     make(map[string]string),
		missing:   make(map[string]bool),
	}
}

// lookup returns the value for tok, or ok == false when the token has to
// stay in the output as is.
func (r *Restorer) lookup(ctx context.Context, tok string) (string, bool) {
	if v, ok := r.cache[tok]; ok {
		return v, true
	}
	if r.missing[tok] {
		return "", false
	}
	val, found, err := r.resolver.Resolve(ctx, r.sessionID, tok)
	if err != nil {
		// Store errors are not cached; the next occurrence retries.
		r.Degraded++
		slog.Warn("sanitize: token restore degraded, leaving token in place", "token", tok, "err", err)
		return "", false
	}
	if !found {
		r.missing[tok] = true
		return "", false
	}
	r.cache[tok] = val
	return val, true
}

// RestoreBytes restores every token in a complete body. It is exactly the
// streaming path fed in one piece.
func (r *Restorer) RestoreBytes(ctx context.Context, body []byte, escapeJSON bool) []byte {
	s := r.NewStream(ctx, escapeJSON)
	out := s.Write(body)
	return append(out, s.Flush()...)
}

// Stream restores tokens in a byte stream delivered in arbitrary fragments.
//
// Bytes that cannot yet be decided (a suffix that may be the start of a
// token) are held back until the next Write or Flush. Anything that cannot
// become a token is emitted immediately, and the concatenated output never
// depends on where the input was split.
type Stream struct {
	ctx        context.Context
	r          *Restorer
	escapeJSON bool
	held       []byte
}

// NewStream starts a stream. When escapeJSON is set, restored values are
// escaped for embedding inside a JSON string literal, which is where tokens
// sit in JSON carriers.
func (r *Restorer) NewStream(ctx context.Context, escapeJSON bool) *Stream {
	return &Stream{ctx: ctx, r: r, escapeJSON: escapeJSON}
}

// Write consumes a fragment and returns the output that is now safe to emit.
func (s *Stream) Write(p []byte) []byte {
	if len(s.held) == 0 {
		out, rest := s.scan(p)
		s.held = append(s.held, rest...)
		return out
	}
	s.held = append(s.held, p...)
	out, rest := s.scan(s.held)
	n := copy(s.held, rest)
	s.held = s.held[:n]
	return out
}

// Flush ends the stream. A held partial token is emitted verbatim.
func (s *Stream) Flush() []byte {
	out := s.held
	s.held = nil
	return out
}

// Pending reports whether bytes are being held back.
func (s *Stream) Pending() bool { return len(s.held) > 0 }

type tokenMatch int

const (
	matchNone tokenMatch = iota
	matchPartial
	matchComplete
)

var tokenOpen = []byte(vault.TokenOpen)

// scan emits everything in buf up to the first undecidable suffix, which it
// returns as rest.
func (s *Stream) scan(buf []byte) (out, rest []byte) {
	out = make([]byte, 0, len(buf))
	i := 0
	for i < len(buf) {
		j := bytes.IndexByte(buf[i:], tokenOpen[0])
		if j < 0 {
			out = append(out, buf[i:]...)
			return out, nil
		}
		p := i + j
		out = append(out, buf[i:p]...)

		n, m := matchToken(buf[p:])
		switch m {
		case matchPartial:
			return out, buf[p:]
		case matchComplete:
			out = append(out, s.restore(string(buf[p:p+n]))...)
			i = p + n
		default:
			out = append(out, buf[p])
			i = p + 1
		}
	}
	return out, nil
}

func (s *Stream) restore(tok string) []byte {
	val, ok := s.r.lookup(s.ctx, tok)
	if !ok {
		s.r.Unresolved++
		return []byte(tok)
	}
	s.r.Restored++
	if s.escapeJSON {
		return escapeJSONString(val)
	}
	return []byte(val)
}

// matchToken classifies the start of b, which begins with '['.
func matchToken(b []byte) (int, tokenMatch) {
	if len(b) < len(tokenOpen) {
		if bytes.HasPrefix(tokenOpen, b) {
			return 0, matchPartial
		}
		return 0, matchNone
	}
	if !bytes.HasPrefix(b, tokenOpen) {
		return 0, matchNone
	}
	for k := len(tokenOpen); k < len(b); k++ {
		if k >= vault.MaxTokenLen {
			return 0, matchNone
		}
		c := b[k]
		switch {
		case c == vault.TokenClose[0]:
			if vault.ValidTokenBody(b[len(tokenOpen):k]) {
				return k + 1, matchComplete
			}
			return 0, matchNone
		case vault.IsTokenByte(c):
		default:
			return 0, matchNone
		}
	}
	if len(b) >= vault.MaxTokenLen {
		return 0, matchNone
	}
	return 0, matchPartial
}

// escapeJSONString returns v encoded as the inside of a JSON string.
func escapeJSONString(v string) []byte {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return []byte(v)
	}
	out := bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
	return out[1 : len(out)-1]
}

// RestoringReader wraps an upstream body and restores tokens as bytes flow
// through it, however the upstream fragments them.
type RestoringReader struct {
	src    io.ReadCloser
	stream *Stream
	chunk  []byte
	out    []byte
	err    error
}

const readChunk = 32 * 1024

// NewRestoringReader wraps src, restoring through stream.
func NewRestoringReader(src io.ReadCloser, stream *Stream) *RestoringReader {
	return &RestoringReader{src: src, stream: stream, chunk: make([]byte, readChunk)}
}

// Read implements io.Reader. If the upstream fails mid-stream, whatever was
// already decided is delivered, held bytes are released verbatim, and the
// upstream error is returned.
func (r *RestoringReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for len(r.out) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		n, err := r.src.Read(r.chunk)
		if n > 0 {
			r.out = append(r.out, r.stream.Write(r.chunk[:n])...)
		}
		if err != nil {
			r.out = append(r.out, r.stream.Flush()...)
			r.err = err
		}
	}
	n := copy(p, r.out)
	r.out = r.out[n:]
	return n, nil
}

// Close closes the upstream body.
func (r *RestoringReader) Close() error {
	return r.src.Close()
}
