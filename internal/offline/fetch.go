package offline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	appLog "whatson/internal/log"
)

// maxBodyBytes caps a single stored response.
var maxBodyBytes int64 = 64 << 20

var errBodyTooLarge = errors.New("response body exceeds size limit")

// hopHeaders are connection-level headers that are never forwarded or
// stored.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func stripHopHeaders(h http.Header) {
	for _, k := range hopHeaders {
		h.Del(k)
	}
}

// fetch performs the network leg for key. When cached is non-nil the
// request is made conditional on its ETag / Last-Modified and a 304 is
// turned back into the cached entry with a fresh StoredAt.
func (p *Proxy) fetch(ctx context.Context, method, key string, header http.Header, body io.Reader, cached *Entry) (*Entry, error) {
	req, err := http.NewRequestWithContext(ctx, method, key, body)
	if err != nil {
		return nil, err
	}

	if header != nil {
		req.Header = header.Clone()
		stripHopHeaders(req.Header)
	}
	req.Header.Del("Host")
	// Let the transport negotiate compression so stored bodies are plain.
	req.Header.Del("Accept-Encoding")

	// Conditional headers belong to the cache, not to the caller.
	req.Header.Del("If-None-Match")
	req.Header.Del("If-Modified-Since")
	if cached != nil {
		if cached.ETag != "" {
			req.Header.Set("If-None-Match", cached.ETag)
		}
		if cached.LastModified != "" {
			req.Header.Set("If-Modified-Since", cached.LastModified)
		}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified && method == http.MethodGet {
		if cached == nil {
			return nil, errors.New("received 304 Not Modified but no cached body available")
		}
		appLog.Debug("offline revalidated; not modified", "url", key)
		e := cached.clone()
		e.StoredAt = time.Now().UTC()
		return e, nil
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	if int64(len(data)) > maxBodyBytes {
		return nil, fmt.Errorf("read %s: %w (%d bytes)", key, errBodyTooLarge, maxBodyBytes)
	}

	hdr := resp.Header.Clone()
	stripHopHeaders(hdr)

	return &Entry{
		URL:          key,
		Status:       resp.StatusCode,
		Header:       hdr,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		StoredAt:     time.Now().UTC(),
		Body:         data,
	}, nil
}
