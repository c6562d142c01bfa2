package loader

import (
	"encoding/json"

	"github.com/aweris/odacache/internal/remote"
)

// DefaultShopName is the name of shops that never configured one.
const DefaultShopName = "Boutique"

// Shop is one shop configuration record.
type Shop struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Slug        string `json:"slug,omitempty"`
	Logo        string `json:"logo,omitempty"`
	Color       string `json:"color,omitempty"`
	Description string `json:"description"`
}

// ProductData aggregates published, in-stock products.
type ProductData struct {
	Counts   map[string]int    `json:"counts"`
	IDToShop map[string]string `json:"idToShop"`
}

// Like is one product like event.
type Like struct {
	ProductID string `json:"product_id"`
}

// ShopSummary is a shop enriched with its counters and display color.
type ShopSummary struct {
	Shop
	TotalLikes      int `json:"totalLikes"`
	ProductCount    int `json:"productCount"`
	SubscriberCount int `json:"subscriberCount"`
}

// View is the compiled listing. AllShops keeps input order; Top and Rest
// partition the same shops sorted by likes.
type View struct {
	AllShops         []ShopSummary  `json:"allShops"`
	Top              []ShopSummary  `json:"top"`
	Rest             []ShopSummary  `json:"rest"`
	ShopLikes        map[string]int `json:"shopLikes"`
	ProductCounts    map[string]int `json:"productCounts"`
	SubscriberCounts map[string]int `json:"subscriberCounts"`
}

// shopConfig is the JSON document stored per shop. Newer records nest fields
// by section; older ones keep them flat.
type shopConfig struct {
	General struct {
		Nom         string `json:"nom"`
		Description string `json:"description"`
	} `json:"general"`
	Identifiant struct {
		Slug string `json:"slug"`
	} `json:"identifiant"`
	Apparence struct {
		Logo            string `json:"logo"`
		CouleurPrimaire string `json:"couleurPrimaire"`
	} `json:"apparence"`
	Slug            string `json:"slug"`
	Logo            string `json:"logo"`
	CouleurPrimaire string `json:"couleurPrimaire"`
}

func parseShop(row remote.ShopRow) Shop {
	var cfg shopConfig
	if len(row.Config) > 0 {
		// Unreadable configs fall back to defaults.
		_ = json.Unmarshal(row.Config, &cfg)
	}

	return Shop{
		ID:          string(row.UserID),
		Name:        firstNonEmpty(cfg.General.Nom, DefaultShopName),
		Slug:        firstNonEmpty(cfg.Identifiant.Slug, cfg.Slug),
		Logo:        firstNonEmpty(cfg.Apparence.Logo, cfg.Logo),
		Color:       firstNonEmpty(cfg.Apparence.CouleurPrimaire, cfg.CouleurPrimaire),
		Description: cfg.General.Description,
	}
}

// shopsFromRows keeps the first position of each shop id; later rows win.
func shopsFromRows(rows []remote.ShopRow) []Shop {
	index := make(map[string]int, len(rows))
	shops := make([]Shop, 0, len(rows))
	for _, row := range rows {
		s := parseShop(row)
		if i, ok := index[s.ID]; ok {
			shops[i] = s
			continue
		}
		index[s.ID] = len(shops)
		shops = append(shops, s)
	}
	return shops
}

func productDataFromRows(rows []remote.ProductRow) ProductData {
	pd := ProductData{
		Counts:   make(map[string]int),
		IDToShop: make(map[string]string, len(rows)),
	}
	for _, p := range rows {
		pd.Counts[string(p.UserID)]++
		pd.IDToShop[string(p.ID)] = string(p.UserID)
	}
	return pd
}

func likesFromRows(rows []remote.LikeRow) []Like {
	likes := make([]Like, len(rows))
	for i, r := range rows {
		likes[i] = Like{ProductID: string(r.ProductID)}
	}
	return likes
}

func subscriberCounts(rows []remote.FollowRow) map[string]int {
	counts := make(map[string]int)
	for _, r := range rows {
		counts[string(r.ShopID)]++
	}
	return counts
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
