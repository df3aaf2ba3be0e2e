package proxycore

import (
	"bytes"
	"compress/flate"
	"errors"
	"io"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
)

// MaxRewriteBodySize is the hard cap on how large a response body may be
// while still being eligible for rewriting; bodies larger than this are
// streamed through untouched.
const MaxRewriteBodySize = 50 * 1024 * 1024

// RewriteRule is a single ordered regex-replace step applied after hostname
// substitution.
type RewriteRule struct {
	Match       *regexp.Regexp
	Replacement string
}

// Substitution is a single ordered literal hostname replacement: every
// boundary-aware occurrence of From becomes To.
type Substitution struct {
	From string
	To   string
}

// RewritePipeline describes the full body-rewrite configuration: literal
// hostname substitutions (old -> new) applied boundary-aware in list order,
// followed by regex rules applied in order. A slice, not a map, because a
// document matching more than one substitution must have them applied in a
// deterministic order across requests.
type RewritePipeline struct {
	Substitutions []Substitution
	Rules         []RewriteRule
}

// Empty reports whether the pipeline has nothing to do, letting the Bridge
// skip the rewrite path entirely for the common case.
func (p RewritePipeline) Empty() bool {
	return len(p.Substitutions) == 0 && len(p.Rules) == 0
}

// RewriteBody runs the full decompress -> decode -> substitute -> regex
// replace -> encode -> recompress pipeline over body, whose Content-Encoding
// and Content-Type are given by contentEncoding and contentType. It returns
// the rewritten bytes, or ErrBodyTooLarge if the decompressed body exceeds
// MaxRewriteBodySize. An unrecognised Content-Encoding (e.g. br, for which no
// decoder is wired into this module) causes the body to pass through
// unrewritten rather than erroring.
func RewriteBody(body []byte, contentEncoding, contentType string, pipeline RewritePipeline) ([]byte, error) {
	if pipeline.Empty() {
		return body, nil
	}

	decoded, codec, err := decompress(body, contentEncoding)
	if err != nil {
		if errors.Is(err, errUnknownCodec) {
			return body, nil
		}
		return nil, err
	}
	if int64(len(decoded)) > MaxRewriteBodySize {
		return nil, ErrBodyTooLarge
	}

	text, textEncoding, err := decodeCharset(decoded, contentType)
	if err != nil {
		// Not decodable as text (e.g. a binary payload misrouted here by a
		// loose content-type check) - leave it untouched.
		return body, nil
	}

	text = substituteHostnames(text, pipeline.Substitutions)
	for _, rule := range pipeline.Rules {
		text = rule.Match.ReplaceAllString(text, rule.Replacement)
	}

	encoded, err := encodeCharset(text, textEncoding)
	if err != nil {
		return nil, err
	}

	return recompress(encoded, codec)
}

type bodyCodec int

const (
	codecIdentity bodyCodec = iota
	codecGzip
	codecDeflate
	codecZstd
)

var errUnknownCodec = errors.New("proxycore: unrecognised content-encoding")

func decompress(body []byte, contentEncoding string) ([]byte, bodyCodec, error) {
	switch strings.ToLower(strings.TrimSpace(contentEncoding)) {
	case "", "identity":
		return body, codecIdentity, nil
	case "gzip":
		r, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, codecIdentity, &BridgeError{State: "RewriteBody", Kind: ErrKindUpstreamProtocolError, Cause: err}
		}
		defer r.Close()
		out, err := io.ReadAll(io.LimitReader(r, MaxRewriteBodySize+1))
		if err != nil {
			return nil, codecIdentity, &BridgeError{State: "RewriteBody", Kind: ErrKindUpstreamProtocolError, Cause: err}
		}
		return out, codecGzip, nil
	case "deflate":
		r := flate.NewReader(bytes.NewReader(body))
		defer r.Close()
		out, err := io.ReadAll(io.LimitReader(r, MaxRewriteBodySize+1))
		if err != nil {
			return nil, codecIdentity, &BridgeError{State: "RewriteBody", Kind: ErrKindUpstreamProtocolError, Cause: err}
		}
		return out, codecDeflate, nil
	case "zstd":
		r, err := zstd.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, codecIdentity, &BridgeError{State: "RewriteBody", Kind: ErrKindUpstreamProtocolError, Cause: err}
		}
		defer r.Close()
		out, err := io.ReadAll(io.LimitReader(r, MaxRewriteBodySize+1))
		if err != nil {
			return nil, codecIdentity, &BridgeError{State: "RewriteBody", Kind: ErrKindUpstreamProtocolError, Cause: err}
		}
		return out, codecZstd, nil
	default:
		// br or anything else we don't carry a decoder for.
		return nil, codecIdentity, errUnknownCodec
	}
}

func recompress(body []byte, codec bodyCodec) ([]byte, error) {
	switch codec {
	case codecIdentity:
		return body, nil
	case codecGzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(body); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case codecDeflate:
		var buf bytes.Buffer
		w, err := flate.NewWriter(&buf, flate.DefaultCompression)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(body); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case codecZstd:
		var buf bytes.Buffer
		w, err := zstd.NewWriter(&buf)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(body); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return body, nil
	}
}

func decodeCharset(body []byte, contentType string) (string, encoding.Encoding, error) {
	if utf8.Valid(body) {
		return string(body), unicode.UTF8, nil
	}

	name := charsetFromContentType(contentType)
	if name == "" {
		name = "windows-1252"
	}

	enc, err := htmlindex.Get(name)
	if err != nil {
		return "", nil, err
	}

	decoded, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return "", nil, err
	}
	return string(decoded), enc, nil
}

func encodeCharset(text string, enc encoding.Encoding) ([]byte, error) {
	if enc == nil || enc == unicode.UTF8 {
		return []byte(text), nil
	}
	return enc.NewEncoder().Bytes([]byte(text))
}

func charsetFromContentType(contentType string) string {
	_, params, found := strings.Cut(contentType, "charset=")
	if !found {
		return ""
	}
	cs, _, _ := strings.Cut(params, ";")
	return strings.Trim(strings.TrimSpace(cs), `"'`)
}

// substituteHostnames replaces every occurrence of each substitution's From
// in text with its To, in order, but only at token boundaries - a match is
// only applied when neither the character immediately before nor after it is
// a letter, digit, `.`, `@`, `-` or `_`, so "internal-api.local" inside
// "internal-api.local.cache" is not partially rewritten, and neither is
// "oldhost" inside "user@oldhost.com" or "old_host". Matching ignores case.
func substituteHostnames(text string, substitutions []Substitution) string {
	if len(substitutions) == 0 {
		return text
	}
	for _, s := range substitutions {
		text = replaceAtBoundaries(text, s.From, s.To)
	}
	return text
}

func replaceAtBoundaries(text, from, to string) string {
	if from == "" {
		return text
	}
	var b strings.Builder
	match := regexp.MustCompile("(?i)" + regexp.QuoteMeta(from))
	rest := text
	for {
		loc := match.FindStringIndex(rest)
		if loc == nil {
			b.WriteString(rest)
			break
		}
		idx := loc[0]

		before := rune(0)
		if idx > 0 {
			before, _ = utf8.DecodeLastRuneInString(rest[:idx])
		}
		afterIdx := loc[1]
		after := rune(0)
		if afterIdx < len(rest) {
			after, _ = utf8.DecodeRuneInString(rest[afterIdx:])
		}

		b.WriteString(rest[:idx])
		if isHostnameBoundaryChar(before) && isHostnameBoundaryChar(after) {
			b.WriteString(to)
		} else {
			b.WriteString(rest[idx:afterIdx])
		}
		rest = rest[afterIdx:]
	}
	return b.String()
}

func isHostnameBoundaryChar(r rune) bool {
	if r == 0 {
		return true
	}
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.', r == '@', r == '_':
		return false
	default:
		return true
	}
}
