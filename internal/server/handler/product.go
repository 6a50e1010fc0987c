package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/pricewatch/internal/domain"
	"github.com/alanyoungcy/pricewatch/internal/service"
)

// CatalogService is what the product handler needs from the catalogue.
type CatalogService interface {
	GetProduct(ctx context.Context, id int64) (domain.Product, error)
	ListProducts(ctx context.Context, opts domain.ListOpts) ([]domain.Product, error)
	Track(ctx context.Context, req service.TrackRequest) (service.TrackResult, error)
	RefreshProduct(ctx context.Context, productID int64) ([]domain.RefreshOutcome, error)
}

// ComparisonService ranks a product's listings and reads price history.
type ComparisonService interface {
	Compare(ctx context.Context, productID int64, weights *domain.ScoreWeights) (domain.Comparison, error)
	History(ctx context.Context, listingID int64, opts domain.ListOpts) ([]domain.PriceHistoryEntry, error)
}

// ProductHandler serves product, comparison and history endpoints.
type ProductHandler struct {
	catalog     CatalogService
	comparisons ComparisonService
	logger      *slog.Logger
}

// NewProductHandler creates a ProductHandler.
func NewProductHandler(catalog CatalogService, comparisons ComparisonService, logger *slog.Logger) *ProductHandler {
	return &ProductHandler{catalog: catalog, comparisons: comparisons, logger: logger}
}

type listProductsResponse struct {
	Products []domain.Product `json:"products"`
	Limit    int              `json:"limit"`
	Offset   int              `json:"offset"`
}

// ListProducts returns a page of the catalogue.
// GET /api/products?limit=50&offset=0
func (h *ProductHandler) ListProducts(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	products, err := h.catalog.ListProducts(r.Context(), opts)
	if err != nil {
		h.fail(w, r, "list products", err)
		return
	}
	writeJSON(w, http.StatusOK, listProductsResponse{Products: products, Limit: opts.Limit, Offset: opts.Offset})
}

// GetProduct returns one product.
// GET /api/products/{id}
func (h *ProductHandler) GetProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid product id")
		return
	}
	p, err := h.catalog.GetProduct(r.Context(), id)
	if err != nil {
		h.fail(w, r, "get product", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Track searches the platforms for a product and records the listings found.
// POST /api/products/track
func (h *ProductHandler) Track(w http.ResponseWriter, r *http.Request) {
	var req service.TrackRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	res, err := h.catalog.Track(r.Context(), req)
	if err != nil {
		h.fail(w, r, "track product", err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// Compare returns the ranked comparison of a product's listings. Weights may
// be overridden with price, discount, rating and delivery query parameters;
// unspecified components are zero when any is given.
// GET /api/products/{id}/comparison
func (h *ProductHandler) Compare(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid product id")
		return
	}
	weights, err := parseWeights(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cmp, err := h.comparisons.Compare(r.Context(), id, weights)
	if err != nil {
		h.fail(w, r, "compare", err)
		return
	}
	writeJSON(w, http.StatusOK, cmp)
}

// RefreshProduct refreshes every source of a product and returns the
// outcomes.
// POST /api/products/{id}/refresh
func (h *ProductHandler) RefreshProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid product id")
		return
	}
	outcomes, err := h.catalog.RefreshProduct(r.Context(), id)
	if err != nil {
		h.fail(w, r, "refresh product", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"product_id": id, "outcomes": outcomes})
}

// History returns the price history of one listing, oldest first.
// GET /api/listings/{id}/history
func (h *ProductHandler) History(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid listing id")
		return
	}
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if r.URL.Query().Get("limit") == "" {
		opts.Limit = 0
	}
	entries, err := h.comparisons.History(r.Context(), id, opts)
	if err != nil {
		h.fail(w, r, "history", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"listing_id": id, "history": entries})
}

func (h *ProductHandler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "handler: "+op+" failed", slog.String("error", err.Error()))
		writeError(w, status, op+" failed")
		return
	}
	writeError(w, status, err.Error())
}

func parseWeights(r *http.Request) (*domain.ScoreWeights, error) {
	q := r.URL.Query()
	var (
		w   domain.ScoreWeights
		set bool
	)
	for name, dst := range map[string]*float64{"price": &w.Price, "discount": &w.Discount, "rating": &w.Rating, "delivery": &w.Delivery} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, errInvalidParam(name)
		}
		*dst, set = f, true
	}
	if !set {
		return nil, nil
	}
	return &w, nil
}

type errInvalidParam string

func (e errInvalidParam) Error() string { return "invalid " + string(e) + " weight" }
