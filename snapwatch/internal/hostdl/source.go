package hostdl

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// source is a parsed download address.
type source struct {
	network *url.URL

	// inline payload of a data: address, still encoded
	mime     string
	isBase64 bool
	payload  string
}

func parseSource(address string) (source, error) {
	a := strings.TrimSpace(address)
	lower := strings.ToLower(a)
	switch {
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		u, err := url.Parse(a)
		if err != nil {
			return source{}, fmt.Errorf("hostdl: parse address: %w", err)
		}
		if u.Host == "" {
			return source{}, fmt.Errorf("%w: missing host", ErrUnsupportedAddress)
		}
		return source{network: u}, nil

	case strings.HasPrefix(lower, "data:"):
		header, payload, ok := strings.Cut(a[len("data:"):], ",")
		if !ok {
			return source{}, fmt.Errorf("%w: data address without payload separator", ErrUnsupportedAddress)
		}
		params := strings.Split(header, ";")
		s := source{mime: strings.ToLower(params[0]), payload: payload}
		for _, p := range params[1:] {
			if strings.EqualFold(strings.TrimSpace(p), "base64") {
				s.isBase64 = true
			}
		}
		return s, nil
	}

	scheme, _, _ := strings.Cut(a, ":")
	return source{}, fmt.Errorf("%w: scheme %q", ErrUnsupportedAddress, scheme)
}

// display is the address form recorded in the job log. Inline payloads
// are elided.
func (s source) display() string {
	if s.network != nil {
		return s.network.String()
	}
	enc := ""
	if s.isBase64 {
		enc = ";base64"
	}
	return fmt.Sprintf("data:%s%s,<%d bytes>", s.mime, enc, len(s.payload))
}

func (s source) copyTo(ctx context.Context, w io.Writer, client *http.Client, maxBytes int64) (int64, error) {
	if s.network == nil {
		data, err := s.decode()
		if err != nil {
			return 0, err
		}
		if int64(len(data)) > maxBytes {
			return 0, fmt.Errorf("hostdl: payload exceeds %d bytes", maxBytes)
		}
		n, err := w.Write(data)
		return int64(n), err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.network.String(), nil)
	if err != nil {
		return 0, fmt.Errorf("hostdl: request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("hostdl: fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("hostdl: fetch: status %d", resp.StatusCode)
	}

	n, err := io.Copy(w, io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return n, fmt.Errorf("hostdl: copy: %w", err)
	}
	if n > maxBytes {
		return n, fmt.Errorf("hostdl: body exceeds %d bytes", maxBytes)
	}
	return n, nil
}

func (s source) decode() ([]byte, error) {
	if !s.isBase64 {
		out, err := url.PathUnescape(s.payload)
		if err != nil {
			return nil, fmt.Errorf("hostdl: decode data payload: %w", err)
		}
		return []byte(out), nil
	}
	p := strings.Map(func(r rune) rune {
		if r == ' ' || r == '\n' || r == '\r' || r == '\t' {
			return -1
		}
		return r
	}, s.payload)
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if out, err := enc.DecodeString(p); err == nil {
			return out, nil
		}
	}
	return nil, fmt.Errorf("hostdl: decode data payload: invalid base64")
}
