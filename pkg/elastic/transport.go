package elastic

import (
	"bytes"
	"io"
	"net/http"
)

// LoggingTransport reports every request and its status through DebugLog.
type LoggingTransport struct {
	Transport http.RoundTripper
}

func (t *LoggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if DebugLog != nil {
		DebugLog("elasticsearch request: %s %s", req.Method, req.URL.String())
	}

	resp, err := t.Transport.RoundTrip(req)

	if DebugLog != nil {
		if err != nil {
			DebugLog("elasticsearch request failed: %v", err)
			return resp, err
		}

		DebugLog("elasticsearch response for %s: status code %d", req.URL.Path, resp.StatusCode)

		if resp.StatusCode >= 400 && resp.Body != nil {
			bodyBytes, readErr := io.ReadAll(io.LimitReader(resp.Body, 500))
			if readErr == nil && len(bodyBytes) > 0 {
				DebugLog("error response body: %s", string(bodyBytes))
			}
			// hand the peeked bytes back to the client
			resp.Body = struct {
				io.Reader
				io.Closer
			}{io.MultiReader(bytes.NewReader(bodyBytes), resp.Body), resp.Body}
		}
	}

	return resp, err
}
