// Package mediatuple parses stream identity out of RTSP request URLs the
// way ZLMediaKit's MediaInfo::parse does, generalized from EasyDarwin's bare
// url.Parse(req.URL).Path handling (EasyDarwin never distinguishes vhost
// from host, and has no MediaTuple/MediaInfo type at all).
package mediatuple

import (
	"net"
	"net/url"
	"strconv"
	"strings"
)

// DefaultVhost is used whenever virtual hosting is disabled, the URL carries
// no vhost, or the host is a bare IP/"localhost".
const DefaultVhost = "__defaultVhost__"

// Tuple identifies a stream within a schema: (vhost, app, stream, params).
type Tuple struct {
	Vhost  string
	App    string
	Stream string
	Params string
}

// Info extends Tuple with the schema/transport-facing fields parsed from a
// full RTSP/RTSPS URL.
type Info struct {
	Tuple
	Schema   string
	Protocol string
	Host     string
	Port     string
	FullURL  string
}

// Parse splits rawURL of the form schema://host[:port]/app/stream...?k=v
// into an Info. enableVhost controls whether a query-string "vhost" key or
// the parsed host may override DefaultVhost.
func Parse(rawURL string, enableVhost bool) (Info, error) {
	info := Info{FullURL: rawURL}

	u, err := url.Parse(rawURL)
	if err != nil {
		return Info{}, err
	}

	info.Schema = strings.ToLower(u.Scheme)
	info.Protocol = info.Schema
	info.Host = u.Hostname()
	info.Port = u.Port()

	segments := splitPath(u.Path)
	if len(segments) > 0 {
		info.App = segments[0]
	}
	if len(segments) > 1 {
		info.Stream = strings.Join(segments[1:], "/")
	}

	info.Params = u.RawQuery
	info.Vhost = info.Host

	if vhost := u.Query().Get("vhost"); vhost != "" {
		info.Vhost = vhost
	} else if info.Vhost == "" || info.Vhost == "localhost" || net.ParseIP(info.Vhost) != nil {
		info.Vhost = DefaultVhost
	}

	if !enableVhost || info.Vhost == "" {
		info.Vhost = DefaultVhost
	}

	return info, nil
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// HostPort renders host:port, defaulting port to defaultPort when absent.
func (i Info) HostPort(defaultPort string) string {
	port := i.Port
	if port == "" {
		port = defaultPort
	}
	return net.JoinHostPort(i.Host, port)
}

// ParsePort returns the numeric port, or def if unset/invalid.
func (i Info) ParsePort(def int) int {
	if i.Port == "" {
		return def
	}
	n, err := strconv.Atoi(i.Port)
	if err != nil {
		return def
	}
	return n
}

// Equal reports whether two tuples identify the same stream.
func Equal(a, b Tuple) bool {
	return a.Vhost == b.Vhost && a.App == b.App && a.Stream == b.Stream
}
