// Package remote reads marketplace listing rows from the hosted database and
// applies subscription changes.
//
// Queries go through PostgREST (Supabase). Each call is retried with
// exponential backoff and guarded by a circuit breaker.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
)

// Tables queried by the loader.
const (
	TableShops    = "parametres_boutique"
	TableProducts = "produits"
	TableLikes    = "product_likes"
	TableFollows  = "shop_follows"
)

var (
	ErrQuery       = errors.New("remote: query failed")
	ErrUnavailable = errors.New("remote: service unavailable")
)

// Source is the read and mutation surface of the remote data service.
type Source interface {
	// Shops returns every shop configuration record.
	Shops(ctx context.Context) ([]ShopRow, error)

	// Products returns published products that are in stock.
	Products(ctx context.Context) ([]ProductRow, error)

	// Likes returns every product like event.
	Likes(ctx context.Context) ([]LikeRow, error)

	// Follows returns every shop follow row.
	Follows(ctx context.Context) ([]FollowRow, error)

	// Follow subscribes userID to shopID.
	Follow(ctx context.Context, userID, shopID string) error

	// Unfollow removes the subscription of userID to shopID.
	Unfollow(ctx context.Context, userID, shopID string) error
}

// ID is a row identifier. Tables mix uuid and bigint keys, so both JSON
// strings and numbers decode into it.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

type ShopRow struct {
	UserID ID              `json:"user_id"`
	Config json.RawMessage `json:"config"`
}

type ProductRow struct {
	ID     ID `json:"id"`
	UserID ID `json:"user_id"`
}

type LikeRow struct {
	ProductID ID `json:"product_id"`
}

type FollowRow struct {
	ShopID ID `json:"shop_id"`
	UserID ID `json:"user_id,omitempty"`
}
