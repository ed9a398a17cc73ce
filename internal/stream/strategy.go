package stream

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// AdminHeader carries the admin token alongside the bearer credential.
const AdminHeader = "X-ARW-Admin"

// strategy decorates the stream request for one transport path.
type strategy interface {
	name() string
	prepare(req *http.Request)
}

// plainStrategy opens the stream without credentials.
type plainStrategy struct{}

func (plainStrategy) name() string              { return "plain" }
func (plainStrategy) prepare(req *http.Request) {}

// authStrategy attaches the resolved token.
type authStrategy struct {
	token string
}

func (authStrategy) name() string { return "auth" }

func (s authStrategy) prepare(req *http.Request) {
	ApplyCredentials(req.Header, s.token)
}

func selectStrategy(token string) strategy {
	if token == "" {
		return plainStrategy{}
	}
	return authStrategy{token: token}
}

// ApplyCredentials sets the admin and bearer headers for token, leaving any
// value the caller already set in place.
func ApplyCredentials(h http.Header, token string) {
	if token == "" {
		return
	}
	if h.Get(AdminHeader) == "" {
		h.Set(AdminHeader, token)
	}
	if h.Get("Authorization") == "" {
		h.Set("Authorization", "Bearer "+token)
	}
}

// eventsURL builds {base}/events with either after=<id> or replay=<n>, plus
// one prefix= parameter per prefix.
func eventsURL(base string, opts Options, after string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/") + "/events")
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("parse base url: unsupported scheme %q", u.Scheme)
	}
	q := u.Query()
	if after != "" {
		q.Set("after", after)
	} else {
		q.Set("replay", strconv.Itoa(opts.Replay))
	}
	for _, p := range opts.Prefix {
		if p != "" {
			q.Add("prefix", p)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
