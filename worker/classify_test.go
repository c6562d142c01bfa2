package worker

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDestination(t *testing.T) {
	tests := []struct {
		name    string
		target  string
		headers []string
		want    string
	}{
		{"fetch dest header", origin + "/x", []string{"Sec-Fetch-Dest", "image"}, DestImage},
		{"empty dest falls through", origin + "/app.js", []string{"Sec-Fetch-Dest", "empty"}, DestScript},
		{"navigation", origin + "/shop", []string{"Sec-Fetch-Mode", "navigate"}, DestDocument},
		{"style extension", origin + "/oda.css", nil, DestStyle},
		{"font extension", origin + "/inter.WOFF2", nil, DestFont},
		{"html extension", origin + "/boutique.html", nil, DestDocument},
		{"accept html", origin + "/shop", []string{"Accept", "text/html,application/xhtml+xml"}, DestDocument},
		{"accept image", origin + "/avatar", []string{"Accept", "image/webp"}, DestImage},
		{"unknown", origin + "/api/data", []string{"Accept", "application/json"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Destination(request(t, http.MethodGet, tt.target, tt.headers...)))
		})
	}
}

func TestRoute(t *testing.T) {
	w := newWorker(t, newFakeUpstream(), newStorage(t), testConfig("v1"))

	tests := []struct {
		name     string
		method   string
		target   string
		strategy Strategy
		cache    string
	}{
		{"post", http.MethodPost, origin + "/oda.png", Passthrough, ""},
		{"backend", http.MethodGet, "https://xyz.supabase.co/rest/v1/produits", Passthrough, ""},
		{"image", http.MethodGet, origin + "/oda-icon-192.png", CacheFirst, "oda-images-v1"},
		{"font", http.MethodGet, origin + "/inter.woff2", StaleWhileRevalidate, "oda-runtime-v1"},
		{"script", http.MethodGet, origin + "/app.js", NetworkFirst, "oda-runtime-v1"},
		{"style", http.MethodGet, origin + "/app.css", NetworkFirst, "oda-runtime-v1"},
		{"font css host", http.MethodGet, "https://fonts.googleapis.com/css2?family=Inter", NetworkFirst, "oda-runtime-v1"},
		{"document", http.MethodGet, origin + "/boutiques.html", NetworkFirst, "oda-v1"},
		{"other", http.MethodGet, origin + "/manifest.json", NetworkFirst, "oda-v1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := w.route(request(t, tt.method, tt.target))
			assert.Equal(t, tt.strategy, rt.strategy)
			assert.Equal(t, tt.cache, rt.cache)
		})
	}
}

func TestStrategyString(t *testing.T) {
	assert.Equal(t, "cache-first", CacheFirst.String())
	assert.Equal(t, "network-first", NetworkFirst.String())
	assert.Equal(t, "stale-while-revalidate", StaleWhileRevalidate.String())
	assert.Equal(t, "passthrough", Passthrough.String())
}
