package browser

import (
	"strings"
	"testing"

	"github.com/alanyoungcy/pricewatch/internal/domain"
)

func TestProductID(t *testing.T) {
	tests := []struct {
		platform domain.PlatformID
		url      string
		want     string
	}{
		{"amazon", "https://www.amazon.in/Some-Thing/dp/B0CX23V2ZK/ref=sr_1_1", "B0CX23V2ZK"},
		{"amazon", "https://www.amazon.in/gp/help", ""},
		{"flipkart", "https://www.flipkart.com/x/p/itm6ac6485515ae4?pid=MOB", "itm6ac6485515ae4"},
		{"othershop", "https://shop.example/product/42", ""},
	}
	for _, tt := range tests {
		if got := PresetFor(tt.platform).ProductID(tt.url); got != tt.want {
			t.Errorf("%s ProductID(%q) = %q, want %q", tt.platform, tt.url, got, tt.want)
		}
	}
}

func TestWithDefaultsMergesFields(t *testing.T) {
	custom := Selectors{
		Fields:     map[string][]string{"name": {"h1.title"}, "gift_wrap": {".gift"}},
		SearchLink: "a.result",
	}
	got := custom.withDefaults(PresetFor("amazon"))

	if sel := got.Fields["name"]; len(sel) != 1 || sel[0] != "h1.title" {
		t.Errorf("name selectors = %v, want override", sel)
	}
	if len(got.Fields["current_price"]) == 0 {
		t.Error("preset current_price selectors lost")
	}
	if len(got.Fields["gift_wrap"]) != 1 {
		t.Error("extra field dropped")
	}
	if got.SearchLink != "a.result" {
		t.Errorf("SearchLink = %q", got.SearchLink)
	}
	if got.DetailPath != "/dp/{id}" {
		t.Errorf("DetailPath = %q, want preset", got.DetailPath)
	}
	if PresetFor("amazon").Fields["name"][0] != "#productTitle" {
		t.Error("preset mutated by merge")
	}
}

func TestResolve(t *testing.T) {
	a, err := New(Options{Platform: "amazon", BaseURL: "https://www.amazon.in/"})
	if err != nil {
		t.Fatal(err)
	}
	tests := map[string]string{
		"B0CX23V2ZK":                "https://www.amazon.in/dp/B0CX23V2ZK",
		"/gp/product/B0CX23V2ZK":    "https://www.amazon.in/gp/product/B0CX23V2ZK",
		"https://amzn.example/dp/1": "https://amzn.example/dp/1",
	}
	for ref, want := range tests {
		got, err := a.resolve(ref)
		if err != nil || got != want {
			t.Errorf("resolve(%q) = %q, %v; want %q", ref, got, err, want)
		}
	}
	if _, err := a.resolve("  "); err == nil {
		t.Error("expected error for empty ref")
	}
}

func TestExtractScriptEmbedsSelectors(t *testing.T) {
	js := extractScript(PresetFor("amazon"))
	for _, want := range []string{"#productTitle", ".a-price .a-offscreen", "robot check", `"image_url":"src"`} {
		if !strings.Contains(js, want) {
			t.Errorf("script missing %q", want)
		}
	}
	if !strings.Contains(searchScript(`a[href*="/dp/"]`, 3), `out.length >= 3`) {
		t.Error("search script does not cap results")
	}
}

func TestNewValidatesOptions(t *testing.T) {
	if _, err := New(Options{BaseURL: "https://x"}); err == nil {
		t.Error("expected error without platform")
	}
	if _, err := New(Options{Platform: "x"}); err == nil {
		t.Error("expected error without base url")
	}
}
