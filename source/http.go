package source

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mstephenholl/engraver"
)

// maxRedirects bounds how many 3xx hops a request will follow
const maxRedirects = 5

// probeLen is how many bytes the ranged validation GET asks for
const probeLen = 16

// bodySnippetLen caps how much of an error body ends up in a
// NetworkError
const bodySnippetLen = 256

var httpClient = &http.Client{
	Transport: &http.Transport{
		ResponseHeaderTimeout: 60 * time.Second,
	},
	CheckRedirect: func(req *http.Request, via []*http.Request) error {
		if len(via) > maxRedirects {
			return errors.Errorf("stopped after %d redirects", maxRedirects)
		}
		return nil
	},
}

// statusError turns a non-success response into a NetworkError carrying
// the status and a snippet of the body
func statusError(resp *http.Response) error {
	snippet := make([]byte, bodySnippetLen)
	n, _ := io.ReadFull(resp.Body, snippet)
	detail := resp.Status
	if n > 0 {
		detail = fmt.Sprintf("%s: %s", resp.Status, strings.TrimSpace(string(snippet[:n])))
	}
	return &engraver.NetworkError{Status: resp.StatusCode, Detail: detail}
}

func transportError(err error) error {
	return &engraver.NetworkError{Detail: err.Error()}
}

// validateRemote describes a remote source with a HEAD request, falling
// back to a 16 byte ranged GET when the server refuses HEAD. The probe
// bytes, when available, feed magic detection for URLs whose extension
// says nothing.
func validateRemote(uri string) (*Info, error) {
	var (
		header http.Header
		status int
		head   []byte
	)

	resp, err := httpClient.Head(uri)
	if err != nil {
		return nil, transportError(err)
	}
	_ = resp.Body.Close()
	status = resp.StatusCode
	header = resp.Header

	needProbe := false
	if status == http.StatusMethodNotAllowed || status == http.StatusNotImplemented {
		needProbe = true
	} else if status == http.StatusNotFound {
		return nil, errors.Wrap(engraver.ErrSourceNotFound, uri)
	} else if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return nil, errors.Wrap(engraver.ErrPermissionDenied, uri)
	} else if status < 200 || status > 299 {
		return nil, &engraver.NetworkError{Status: status, Detail: resp.Status}
	}

	// Probe with the ranged GET when the extension doesn't identify a
	// compression (to sniff magic) or when the server refused HEAD (to
	// get the headers)
	if _, ok := detectCompressionExt(uriPath(uri)); !ok || needProbe {
		probe, probeHeader, probeStatus, err := probeRange(uri)
		if err != nil {
			if !needProbe {
				// Magic sniffing is best effort when HEAD already
				// answered
				logrus.WithField("url", uri).WithError(err).Debug("range probe failed, relying on extension detection")
			} else {
				return nil, err
			}
		} else {
			head = probe
			if needProbe {
				header = probeHeader
				status = probeStatus
			}
		}
	}

	kind := DetectType(uri, head)
	info := &Info{
		Path:           uri,
		Type:           kind,
		Size:           -1,
		CompressedSize: -1,
		ContentType:    header.Get("Content-Type"),
		ETag:           header.Get("ETag"),
	}

	// A ranged probe answers with the length of the range, not the
	// object, so only trust Content-Length from the HEAD
	if !needProbe {
		if n := resp.ContentLength; n >= 0 {
			if kind.Compressed() {
				info.CompressedSize = n
			} else {
				info.Size = n
			}
		}
	} else if cr := header.Get("Content-Range"); cr != "" {
		if n, ok := totalFromContentRange(cr); ok {
			if kind.Compressed() {
				info.CompressedSize = n
			} else {
				info.Size = n
			}
		}
	}

	if kind == Remote {
		info.Resumable = acceptsRanges(header, status)
	}

	logrus.WithFields(logrus.Fields{
		"url":       uri,
		"type":      kind,
		"size":      info.Size,
		"resumable": info.Resumable,
	}).Debug("validated remote source")
	return info, nil
}

// probeRange fetches the first bytes of the object
func probeRange(uri string) ([]byte, http.Header, int, error) {
	req, err := http.NewRequest(http.MethodGet, uri, nil)
	if err != nil {
		return nil, nil, 0, transportError(err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", probeLen-1))
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, nil, 0, transportError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusNotFound:
		return nil, nil, 0, errors.Wrap(engraver.ErrSourceNotFound, uri)
	case http.StatusOK, http.StatusPartialContent:
	default:
		return nil, nil, 0, statusError(resp)
	}

	head := make([]byte, probeLen)
	n, err := io.ReadFull(resp.Body, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, nil, 0, transportError(err)
	}
	return head[:n], resp.Header, resp.StatusCode, nil
}

// acceptsRanges reports whether the server advertised byte range
// support
func acceptsRanges(header http.Header, status int) bool {
	if strings.Contains(strings.ToLower(header.Get("Accept-Ranges")), "bytes") {
		return true
	}
	// A 206 answer to a ranged request is advertisement enough
	return status == http.StatusPartialContent
}

// totalFromContentRange extracts the total length from a Content-Range
// header, eg "bytes 0-15/1048576"
func totalFromContentRange(value string) (int64, bool) {
	i := strings.LastIndex(value, "/")
	if i < 0 || i == len(value)-1 {
		return 0, false
	}
	total := value[i+1:]
	if total == "*" {
		return 0, false
	}
	var n int64
	if _, err := fmt.Sscanf(total, "%d", &n); err != nil {
		return 0, false
	}
	return n, true
}

// openRemote issues the bulk GET, with a Range header when resuming
// from a non-zero offset
func openRemote(uri string, offset int64, info *Info) (io.ReadCloser, error) {
	req, err := http.NewRequest(http.MethodGet, uri, nil)
	if err != nil {
		return nil, transportError(err)
	}
	if offset > 0 {
		if !info.Resumable {
			return nil, errors.Wrapf(engraver.ErrNotResumable, "server for %q does not accept ranges", uri)
		}
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
		if info.ETag != "" {
			req.Header.Set("If-Range", info.ETag)
		}
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, transportError(err)
	}

	if offset > 0 {
		// Anything but 206 means the server ignored the range and is
		// sending the whole object from the start
		if resp.StatusCode != http.StatusPartialContent {
			err := statusError(resp)
			_ = resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
				return nil, errors.Wrapf(engraver.ErrNotResumable, "server for %q ignored range request", uri)
			}
			return nil, err
		}
	} else if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := statusError(resp)
		_ = resp.Body.Close()
		return nil, err
	}

	return resp.Body, nil
}
