package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/voltvault/api/internal/domain"
	pfirestore "github.com/voltvault/api/internal/platform/firestore"
	"github.com/voltvault/api/internal/repositories"
)

const catalogVariantsCollection = "catalogVariants"

// CatalogRepository reads purchasable variant snapshots.
type CatalogRepository struct {
	variants *pfirestore.Collection[variantDocument]
}

var _ repositories.CatalogRepository = (*CatalogRepository)(nil)

func NewCatalogRepository(provider *pfirestore.Provider) (*CatalogRepository, error) {
	if provider == nil {
		return nil, errors.New("catalog repository requires firestore provider")
	}
	return &CatalogRepository{
		variants: pfirestore.NewCollection[variantDocument](provider, catalogVariantsCollection),
	}, nil
}

// GetVariants loads the requested variants in one batched read.
func (r *CatalogRepository) GetVariants(ctx context.Context, variantIDs []string) (map[string]domain.CatalogVariant, error) {
	if r == nil || r.variants == nil {
		return nil, errors.New("catalog repository not initialised")
	}
	docs, err := r.variants.GetMany(ctx, variantIDs)
	if err != nil {
		return nil, err
	}
	out := make(map[string]domain.CatalogVariant, len(docs))
	for id, doc := range docs {
		variant, err := doc.Data.toDomain(id)
		if err != nil {
			return nil, err
		}
		out[id] = variant
	}
	return out, nil
}

// Money is stored as decimal strings; Firestore has no exact decimal type.
type variantDocument struct {
	ProductRef     string    `firestore:"productRef"`
	Name           string    `firestore:"name"`
	UnitPrice      string    `firestore:"unitPrice"`
	VATRatePercent string    `firestore:"vatRatePercent"`
	WeightGrams    int       `firestore:"weightGrams"`
	VolumeCm3      int       `firestore:"volumeCm3"`
	CategoryID     string    `firestore:"categoryId"`
	IsDangerous    bool      `firestore:"isDangerous"`
	IsFragile      bool      `firestore:"isFragile"`
	MOQ            *int      `firestore:"moq,omitempty"`
	OrderStep      *int      `firestore:"orderStep,omitempty"`
	Active         bool      `firestore:"active"`
	UpdatedAt      time.Time `firestore:"updatedAt"`
}

func (d variantDocument) toDomain(id string) (domain.CatalogVariant, error) {
	price, err := parseStoredDecimal(d.UnitPrice)
	if err != nil {
		return domain.CatalogVariant{}, fmt.Errorf("catalog variant %s: unitPrice: %w", id, err)
	}
	vat, err := parseStoredDecimal(d.VATRatePercent)
	if err != nil {
		return domain.CatalogVariant{}, fmt.Errorf("catalog variant %s: vatRatePercent: %w", id, err)
	}
	return domain.CatalogVariant{
		ID:             id,
		ProductID:      strings.TrimSpace(d.ProductRef),
		Name:           strings.TrimSpace(d.Name),
		UnitPrice:      price,
		VATRatePercent: vat,
		WeightGrams:    d.WeightGrams,
		VolumeCm3:      d.VolumeCm3,
		CategoryID:     strings.TrimSpace(d.CategoryID),
		IsDangerous:    d.IsDangerous,
		IsFragile:      d.IsFragile,
		MOQ:            d.MOQ,
		OrderStep:      d.OrderStep,
		Active:         d.Active,
		UpdatedAt:      d.UpdatedAt,
	}, nil
}

func parseStoredDecimal(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(raw)
}
