package loader

import (
	"maps"
	"sort"
)

// Palette assigned to shops without a configured color.
var Palette = []string{"#FF6B00", "#6366F1", "#10B981", "#F59E0B", "#EF4444", "#8B5CF6", "#06B6D4"}

// DefaultColor picks a palette entry from the sum of the id's characters.
// Characters outside the BMP contribute their leading UTF-16 surrogate.
func DefaultColor(id string) string {
	sum := 0
	for _, r := range id {
		if r >= 0x10000 {
			r = 0xD800 + (r-0x10000)>>10
		}
		sum += int(r)
	}
	return Palette[sum%len(Palette)]
}

// Compile merges the four sources into a View. It is a pure function of its
// inputs.
func Compile(shops []Shop, products ProductData, likes []Like, subscribers map[string]int, topCount int) View {
	shopLikes := make(map[string]int)
	for _, like := range likes {
		if shopID, ok := products.IDToShop[like.ProductID]; ok && shopID != "" {
			shopLikes[shopID]++
		}
	}

	all := make([]ShopSummary, 0, len(shops))
	for _, s := range shops {
		if s.Color == "" {
			s.Color = DefaultColor(s.ID)
		}
		summary := ShopSummary{
			Shop:            s,
			TotalLikes:      shopLikes[s.ID],
			ProductCount:    products.Counts[s.ID],
			SubscriberCount: subscribers[s.ID],
		}
		// Unnamed shops with nothing for sale are placeholders.
		if summary.Name == DefaultShopName && summary.ProductCount == 0 {
			continue
		}
		all = append(all, summary)
	}

	sorted := make([]ShopSummary, len(all))
	copy(sorted, all)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].TotalLikes > sorted[j].TotalLikes
	})

	if topCount < 0 {
		topCount = 0
	}
	n := min(topCount, len(sorted))

	return View{
		AllShops:         all,
		Top:              sorted[:n:n],
		Rest:             sorted[n:],
		ShopLikes:        shopLikes,
		ProductCounts:    copyCounts(products.Counts),
		SubscriberCounts: copyCounts(subscribers),
	}
}

// copyCounts returns a copy of m, never nil, so the view shares no state
// with its inputs.
func copyCounts(m map[string]int) map[string]int {
	if m == nil {
		return map[string]int{}
	}
	return maps.Clone(m)
}
