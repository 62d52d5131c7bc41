package common

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildURL joins endpoint and room into the connection url. Trailing slashes of
// the endpoint are stripped, params are appended as sorted query parameters.
func BuildURL(endpoint, room string, params map[string]string) string {
	u := strings.TrimRight(endpoint, "/") + "/" + room
	if len(params) == 0 {
		return u
	}
	q := url.Values{}
	for k, v := range params {
		q.Set(k, v)
	}
	return u + "?" + q.Encode()
}

// HealthURL maps a websocket endpoint to the http url of its health check
func HealthURL(endpoint string) (string, error) {
	u, err := url.Parse(strings.TrimRight(endpoint, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %v", endpoint, err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported scheme %q in endpoint %q", u.Scheme, endpoint)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/health"
	u.RawQuery = ""
	return u.String(), nil
}
