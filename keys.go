package odacache

// Semantic keys of the listing data.
const (
	KeyShops       = "shops"
	KeyProducts    = "productData"
	KeyLikes       = "likesRaw"
	KeySubscribers = "subscribers"
	KeyCompiled    = "compiled"
)

// ShopKey returns the key prefix of entries scoped to one shop.
func ShopKey(id string) string { return "shop_" + id }
