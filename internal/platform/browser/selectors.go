package browser

import (
	"regexp"

	"github.com/alanyoungcy/pricewatch/internal/domain"
)

// Selectors describes where a platform's product page keeps each raw field.
// Fields maps a raw field name to CSS selectors tried in order; the first
// non-empty match wins. Attributes names an attribute to read instead of the
// element text (e.g. "src" for images).
type Selectors struct {
	Fields          map[string][]string `toml:"fields"`
	Attributes      map[string]string   `toml:"attributes"`
	Offers          []string            `toml:"offers"`
	BlockedMarkers  []string            `toml:"blocked_markers"`
	NotFoundMarkers []string            `toml:"not_found_markers"`
	// SearchLink matches product anchors on the search results page.
	SearchLink string `toml:"search_link"`
	// DetailPath builds a product URL from a bare id, substituting {id}.
	DetailPath string `toml:"detail_path"`
	// ProductIDPattern extracts the platform's product id from a URL; the
	// first capture group is used.
	ProductIDPattern string `toml:"product_id_pattern"`
}

// withDefaults fills every unset part of s from preset. Field maps are merged
// so a config can override a single field.
func (s Selectors) withDefaults(preset Selectors) Selectors {
	out := s
	out.Fields = mergeLists(preset.Fields, s.Fields)
	out.Attributes = mergeStrings(preset.Attributes, s.Attributes)
	if len(out.Offers) == 0 {
		out.Offers = preset.Offers
	}
	if len(out.BlockedMarkers) == 0 {
		out.BlockedMarkers = preset.BlockedMarkers
	}
	if len(out.NotFoundMarkers) == 0 {
		out.NotFoundMarkers = preset.NotFoundMarkers
	}
	if out.SearchLink == "" {
		out.SearchLink = preset.SearchLink
	}
	if out.DetailPath == "" {
		out.DetailPath = preset.DetailPath
	}
	if out.ProductIDPattern == "" {
		out.ProductIDPattern = preset.ProductIDPattern
	}
	return out
}

// ProductID returns the platform product id embedded in u, or "".
func (s Selectors) ProductID(u string) string {
	if s.ProductIDPattern == "" {
		return ""
	}
	re, err := regexp.Compile(s.ProductIDPattern)
	if err != nil {
		return ""
	}
	m := re.FindStringSubmatch(u)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

var commonBlocked = []string{"robot check", "captcha", "not a robot", "unusual traffic"}

var presets = map[domain.PlatformID]Selectors{
	"amazon": {
		Fields: map[string][]string{
			"name":                {"#productTitle"},
			"current_price":       {"#priceblock_dealprice", "#priceblock_ourprice", "#corePrice_feature_div .a-price .a-offscreen", ".a-price .a-offscreen", ".a-price-whole"},
			"original_price":      {".a-price.a-text-price .a-offscreen", ".basisPrice .a-offscreen", ".a-text-strike"},
			"discount_percentage": {".savingsPercentage", "#savingsPercentage"},
			"brand":               {"#bylineInfo", "#brand"},
			"category":            {"#wayfinding-breadcrumbs_feature_div"},
			"description":         {"#productDescription", "#feature-bullets"},
			"image_url":           {"#landingImage", "#imgBlkFront"},
			"availability":        {"#availability span", "#availability"},
			"rating":              {"#acrPopover .a-icon-alt", "span[data-hook=rating-out-of-text]"},
			"rating_count":        {"#acrCustomerReviewText"},
			"seller_name":         {"#sellerProfileTriggerId", "#merchant-info a"},
			"delivery_time":       {"#mir-layout-DELIVERY_BLOCK-slot-PRIMARY_DELIVERY_MESSAGE_LARGE span.a-text-bold", "#deliveryBlockMessage"},
			"delivery_charges":    {"#mir-layout-DELIVERY_BLOCK-slot-PRIMARY_DELIVERY_MESSAGE_LARGE span[data-csa-c-delivery-price]"},
		},
		Attributes:       map[string]string{"image_url": "src"},
		Offers:           []string{"#itembox-InstantBankDiscount .a-truncate-full", ".a-section.vsx__offers .a-truncate-full"},
		BlockedMarkers:   commonBlocked,
		NotFoundMarkers:  []string{"page not found", "looking for something?"},
		SearchLink:       `a.a-link-normal[href*="/dp/"]`,
		DetailPath:       "/dp/{id}",
		ProductIDPattern: `/dp/([A-Z0-9]{10})`,
	},
	"flipkart": {
		Fields: map[string][]string{
			"name":                {"span.VU-ZEz", "span.B_NuCI", "h1 span"},
			"current_price":       {"div.Nx9bqj.CxhGGd", "div._30jeq3._16Jk6d", "div.Nx9bqj"},
			"original_price":      {"div.yRaY8j", "div._3I9_wc._2p6lqe"},
			"discount_percentage": {"div.UkUFwK.WW8yVX span", "div._3Ay6Sb._31Dcoz span"},
			"brand":               {"span.mEh187", "span.G6XhRU"},
			"category":            {"div._7dPnhA", "div._1MR4o5"},
			"description":         {"div._4gvKMe", "div._1mXcCf"},
			"image_url":           {"img.DByuf4", "img._396cs4"},
			"availability":        {"div.Z8JjpR", "div._16FRp0"},
			"rating":              {"div.XQDdHH", "div._3LWZlK"},
			"rating_count":        {"span.Wphh3N", "span._2_R_DZ"},
			"seller_name":         {"#sellerName span span", "#sellerName"},
			"delivery_time":       {"div.hVvnXm", "div._3XINqE"},
			"delivery_charges":    {"span.Y8v7Fl", "span._2Tpdn3"},
		},
		Attributes:       map[string]string{"image_url": "src"},
		Offers:           []string{"li.kF1Ml8 span", "li._16eBzU span"},
		BlockedMarkers:   commonBlocked,
		NotFoundMarkers:  []string{"page not found", "unfortunately the page you are looking for"},
		SearchLink:       `a[href*="/p/itm"]`,
		DetailPath:       "/product/p/{id}",
		ProductIDPattern: `/p/(itm[a-z0-9]+)`,
	},
}

// genericPreset reads schema.org microdata and Open Graph tags, which most
// shops render.
var genericPreset = Selectors{
	Fields: map[string][]string{
		"name":          {"[itemprop=name]", "h1"},
		"current_price": {"[itemprop=price]"},
		"currency":      {"[itemprop=priceCurrency]"},
		"brand":         {"[itemprop=brand]"},
		"description":   {"[itemprop=description]"},
		"image_url":     {"meta[property='og:image']", "[itemprop=image]"},
		"availability":  {"[itemprop=availability]"},
		"rating":        {"[itemprop=ratingValue]"},
		"rating_count":  {"[itemprop=reviewCount]", "[itemprop=ratingCount]"},
	},
	Attributes: map[string]string{
		"image_url": "content",
	},
	BlockedMarkers:  commonBlocked,
	NotFoundMarkers: []string{"page not found"},
	SearchLink:      "a[href*='/product']",
	DetailPath:      "/product/{id}",
}

// PresetFor returns the built-in selectors for id, falling back to a generic
// microdata preset.
func PresetFor(id domain.PlatformID) Selectors {
	if p, ok := presets[id]; ok {
		return p
	}
	return genericPreset
}

func mergeLists(base, over map[string][]string) map[string][]string {
	out := make(map[string][]string, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		if len(v) > 0 {
			out[k] = v
		}
	}
	return out
}

func mergeStrings(base, over map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		if v != "" {
			out[k] = v
		}
	}
	return out
}
