package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/hazelcart/fulfillment/internal/domain"
	pfirestore "github.com/hazelcart/fulfillment/internal/platform/firestore"
)

const productsCollection = "products"

type productDocument struct {
	ID           string    `firestore:"-"`
	Name         string    `firestore:"name"`
	SKU          string    `firestore:"sku"`
	StockOnHand  int       `firestore:"stockOnHand"`
	InitialStock int       `firestore:"initialStock"`
	Active       bool      `firestore:"active"`
	UpdatedAt    time.Time `firestore:"updatedAt"`
}

func encodeProductDocument(product domain.Product) productDocument {
	return productDocument{
		Name:         product.Name,
		SKU:          product.SKU,
		StockOnHand:  product.StockOnHand,
		InitialStock: product.InitialStock,
		Active:       product.Active,
		UpdatedAt:    product.UpdatedAt,
	}
}

func decodeProductDocument(doc productDocument) domain.Product {
	return domain.Product{
		ID:           doc.ID,
		Name:         doc.Name,
		SKU:          doc.SKU,
		StockOnHand:  doc.StockOnHand,
		InitialStock: doc.InitialStock,
		Active:       doc.Active,
		UpdatedAt:    doc.UpdatedAt,
	}
}

// CatalogRepository manages product documents including stock counts.
type CatalogRepository struct {
	base *pfirestore.BaseRepository[domain.Product]
}

// NewCatalogRepository constructs a Firestore-backed catalog repository.
func NewCatalogRepository(provider *pfirestore.Provider) (*CatalogRepository, error) {
	if provider == nil {
		return nil, errors.New("catalog repository: firestore provider is required")
	}

	encoder := func(_ context.Context, value domain.Product) (any, error) {
		return encodeProductDocument(value), nil
	}
	decoder := func(_ context.Context, snap *firestore.DocumentSnapshot) (domain.Product, error) {
		var doc productDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.Product{}, err
		}
		doc.ID = snap.Ref.ID
		if doc.UpdatedAt.IsZero() {
			doc.UpdatedAt = snap.UpdateTime
		}
		return decodeProductDocument(doc), nil
	}

	base := pfirestore.NewBaseRepository[domain.Product](provider, productsCollection, encoder, decoder)
	return &CatalogRepository{base: base}, nil
}

// Insert stores a new product document.
func (r *CatalogRepository) Insert(ctx context.Context, product domain.Product) error {
	if r == nil || r.base == nil {
		return errors.New("catalog repository not initialised")
	}
	product.ID = strings.TrimSpace(product.ID)
	if product.ID == "" {
		return errors.New("catalog repository: product id is required")
	}
	_, err := r.base.Create(ctx, product.ID, product)
	return err
}

// FindByID loads a product by its identifier.
func (r *CatalogRepository) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	if r == nil || r.base == nil {
		return domain.Product{}, errors.New("catalog repository not initialised")
	}
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return domain.Product{}, errors.New("catalog repository: product id is required")
	}
	doc, err := r.base.Get(ctx, productID)
	if err != nil {
		return domain.Product{}, err
	}
	return doc.Data, nil
}

// ListActive returns every product currently offered for sale.
func (r *CatalogRepository) ListActive(ctx context.Context) ([]domain.Product, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("catalog repository not initialised")
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("active", "==", true)
	})
	if err != nil {
		return nil, err
	}

	products := make([]domain.Product, 0, len(docs))
	for _, doc := range docs {
		products = append(products, doc.Data)
	}
	return products, nil
}

// UpdateStock writes the new stock count for a product.
func (r *CatalogRepository) UpdateStock(ctx context.Context, productID string, stockOnHand int, updatedAt time.Time) error {
	if r == nil || r.base == nil {
		return errors.New("catalog repository not initialised")
	}
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return errors.New("catalog repository: product id is required")
	}
	_, err := r.base.Update(ctx, productID, []firestore.Update{
		{Path: "stockOnHand", Value: stockOnHand},
		{Path: "updatedAt", Value: updatedAt.UTC()},
	})
	return err
}
