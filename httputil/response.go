package httputil

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

func ReadResponseBody(resp *http.Response) ([]byte, error) {
	respBody, err := io.ReadAll(resp.Body)
	if nil != err {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("unexpected empty response body")
		}

		return nil, fmt.Errorf("failed to read response body: %v", err)
	}

	return respBody, nil
}

const encodedFilenamePrefix = "filename*=UTF-8''"

// FilenameFromContentDisposition extracts the RFC 5987 encoded filename
// from a Content-Disposition header. Returns false when the header carries
// no such parameter.
func FilenameFromContentDisposition(header string) (string, bool) {
	idx := strings.Index(header, encodedFilenamePrefix)
	if idx == -1 {
		return "", false
	}

	name := header[idx+len(encodedFilenamePrefix):]
	if semi := strings.IndexByte(name, ';'); semi != -1 {
		name = name[:semi]
	}
	name = strings.Trim(name, `"`)

	decoded, err := url.PathUnescape(name)
	if nil != err {
		return "", false
	}

	return decoded, decoded != ""
}
