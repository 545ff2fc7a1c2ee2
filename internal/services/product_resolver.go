package services

import (
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/width"

	"github.com/hazelcart/fulfillment/internal/domain"
)

const (
	confidenceExactID     = 1.0
	confidenceExactName   = 0.9
	confidenceContainment = 0.7
)

type catalogResolver struct{}

// NewProductResolver returns the deterministic line-to-product resolver. It
// holds no state and performs no I/O; every call is a pure function of the
// line and the catalog snapshot it is given.
func NewProductResolver() ProductResolver {
	return catalogResolver{}
}

// Resolve ranks matches in a fixed order: exact product ID, exact
// case-insensitive name, then substring containment in either direction.
// Containment is accepted only when it yields a single candidate; multiple
// candidates are reported as ambiguous rather than picked from.
func (catalogResolver) Resolve(line domain.OrderLine, catalog domain.CatalogSnapshot) (Resolution, error) {
	products := activeProducts(catalog)

	if line.ProductID != "" {
		for _, product := range products {
			if product.ID == line.ProductID {
				return Resolution{ProductID: product.ID, Method: ResolutionByID, Confidence: confidenceExactID}, nil
			}
		}
	}

	query := strings.TrimSpace(line.Name)
	if query == "" {
		return Resolution{}, &ProductNotFoundError{LineID: line.ID, Query: line.Name}
	}
	normalized := normalizeName(query)

	var nameMatches []string
	for _, product := range products {
		if normalizeName(product.Name) == normalized {
			nameMatches = append(nameMatches, product.ID)
		}
	}
	if len(nameMatches) == 1 {
		return Resolution{ProductID: nameMatches[0], Method: ResolutionByName, Confidence: confidenceExactName}, nil
	}
	if len(nameMatches) > 1 {
		return Resolution{}, &ProductAmbiguousError{LineID: line.ID, Query: query, Candidates: nameMatches}
	}

	var contained []string
	for _, product := range products {
		candidate := normalizeName(product.Name)
		if candidate == "" {
			continue
		}
		if strings.Contains(normalized, candidate) || strings.Contains(candidate, normalized) {
			contained = append(contained, product.ID)
		}
	}
	if len(contained) == 1 {
		return Resolution{ProductID: contained[0], Method: ResolutionByContainment, Confidence: confidenceContainment}, nil
	}
	if len(contained) > 1 {
		return Resolution{}, &ProductAmbiguousError{LineID: line.ID, Query: query, Candidates: contained}
	}

	return Resolution{}, &ProductNotFoundError{LineID: line.ID, Query: query}
}

// activeProducts filters the snapshot down to active entries and sorts them
// by product ID so candidate ordering never depends on store iteration order.
func activeProducts(catalog domain.CatalogSnapshot) []domain.Product {
	products := make([]domain.Product, 0, len(catalog.Products))
	for _, product := range catalog.Products {
		if product.Active {
			products = append(products, product)
		}
	}
	sort.Slice(products, func(i, j int) bool { return products[i].ID < products[j].ID })
	return products
}

// normalizeName folds half/full width variants and letter case so that
// comparisons are insensitive to how the name was typed at checkout. A fresh
// caser is built per call because casers carry transform state.
func normalizeName(value string) string {
	value = strings.TrimSpace(value)
	value = width.Fold.String(value)
	return cases.Fold().String(value)
}
