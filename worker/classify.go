package worker

import (
	"net/http"
	"path"
	"slices"
	"strings"
)

// Request destinations, as sent in Sec-Fetch-Dest.
const (
	DestDocument = "document"
	DestImage    = "image"
	DestScript   = "script"
	DestStyle    = "style"
	DestFont     = "font"
)

// Strategy is how a request is answered.
type Strategy int

const (
	Passthrough Strategy = iota
	CacheFirst
	NetworkFirst
	StaleWhileRevalidate
)

func (s Strategy) String() string {
	switch s {
	case CacheFirst:
		return "cache-first"
	case NetworkFirst:
		return "network-first"
	case StaleWhileRevalidate:
		return "stale-while-revalidate"
	default:
		return "passthrough"
	}
}

var extDestinations = map[string]string{
	".png":   DestImage,
	".jpg":   DestImage,
	".jpeg":  DestImage,
	".gif":   DestImage,
	".webp":  DestImage,
	".avif":  DestImage,
	".svg":   DestImage,
	".ico":   DestImage,
	".js":    DestScript,
	".mjs":   DestScript,
	".css":   DestStyle,
	".woff":  DestFont,
	".woff2": DestFont,
	".ttf":   DestFont,
	".otf":   DestFont,
	".html":  DestDocument,
	".htm":   DestDocument,
}

// Destination reports what the request is for. Sec-Fetch-Dest wins; without
// it the navigation mode, file extension and Accept header are consulted in
// that order. The empty string means unknown.
func Destination(r *http.Request) string {
	if d := r.Header.Get("Sec-Fetch-Dest"); d != "" && d != "empty" {
		return d
	}
	if r.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return DestDocument
	}
	if d, ok := extDestinations[strings.ToLower(path.Ext(r.URL.Path))]; ok {
		return d
	}

	accept := r.Header.Get("Accept")
	switch {
	case strings.Contains(accept, "text/html"):
		return DestDocument
	case strings.HasPrefix(accept, "image/"):
		return DestImage
	case strings.HasPrefix(accept, "text/css"):
		return DestStyle
	}
	return ""
}

type route struct {
	strategy    Strategy
	cache       string
	destination string
}

func (w *Worker) route(r *http.Request) route {
	dest := Destination(r)

	if r.Method != http.MethodGet {
		return route{strategy: Passthrough, destination: dest}
	}

	host := r.URL.Hostname()
	for _, h := range w.cfg.BypassHosts {
		if h != "" && strings.Contains(host, h) {
			return route{strategy: Passthrough, destination: dest}
		}
	}

	switch {
	case dest == DestImage:
		return route{strategy: CacheFirst, cache: w.names.images, destination: dest}
	case dest != "" && slices.Contains(w.cfg.SWRDestinations, dest):
		return route{strategy: StaleWhileRevalidate, cache: w.names.runtime, destination: dest}
	case dest == DestScript || dest == DestStyle || slices.Contains(w.cfg.NetworkFirstHosts, host):
		return route{strategy: NetworkFirst, cache: w.names.runtime, destination: dest}
	default:
		return route{strategy: NetworkFirst, cache: w.names.main, destination: dest}
	}
}
