// Package odacache provides a two-tier cache for marketplace listing data:
// an in-process layer in front of a persistent, size-bounded, versioned layer.
//
// Reads report where the value came from and whether it is still fresh, so
// callers can serve stale data while refreshing in the background.
//
// Basic usage:
//
//	c, _ := odacache.Open(ctx, odacache.WithStorageDir("/var/cache/oda"))
//	defer c.Close()
//
//	// Write-through to both layers
//	c.Write(ctx, odacache.KeyShops, shops, 6*time.Hour)
//
//	// Typed read: ephemeral first, then persistent (stale allowed)
//	e, err := odacache.Read[[]Shop](ctx, c, odacache.KeyShops)
//	if err == nil && !e.Fresh {
//	    // serve e.Value, refresh in the background
//	}
//
//	// Collapse concurrent fetches for the same key
//	shops, err := odacache.Dedup(ctx, c, odacache.KeyShops, fetchShops)
//
//	// Invalidation
//	c.InvalidateShop(ctx, "shop-42")
//	c.Flush(ctx)
//
// The Data Loader (package loader) builds the compiled listing view on top of
// this cache, and package worker implements the request-intercepting proxy
// with its own, separately versioned response caches.
package odacache
