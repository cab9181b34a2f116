package pricing

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/vendhub/vend-api/internal/pkg/apperr"
)

var ErrInvalidProduct = apperr.New(apperr.CodeValidation, "product has no price")

// Requester is whoever is buying; role and tenant drive the price ladder.
type Requester struct {
	UserID   uuid.UUID
	Role     string
	TenantID string
}

type Product struct {
	Code        string
	NetworkCode string
	FaceValue   int64
}

// Quote is the price charged to the requester and the cost basis
// expected from the provider, both in minor units.
type Quote struct {
	UnitPrice int64 `json:"unit_price"`
	Cost      int64 `json:"cost"`
}

// Resolver must be a pure function of its inputs.
type Resolver interface {
	Resolve(ctx context.Context, who Requester, p Product) (Quote, error)
}

// TenantPricer is an optional capability: tenant-specific price overrides.
type TenantPricer interface {
	PriceFor(ctx context.Context, tenantID string, p Product) (Quote, bool, error)
}

// NoTenantPricing never overrides.
type NoTenantPricing struct{}

func (NoTenantPricing) PriceFor(context.Context, string, Product) (Quote, bool, error) {
	return Quote{}, false, nil
}

// TableTenantPricer overrides unit prices per tenant and product code.
type TableTenantPricer map[string]map[string]int64

func (t TableTenantPricer) PriceFor(_ context.Context, tenantID string, p Product) (Quote, bool, error) {
	price, ok := t[tenantID][p.Code]
	if !ok {
		return Quote{}, false, nil
	}
	return Quote{UnitPrice: price}, true, nil
}

// StaticResolver discounts the face value by role in basis points and
// derives cost from the provider commission.
type StaticResolver struct {
	discountsBps  map[string]int64
	commissionBps int64
	tenants       TenantPricer
}

func NewStaticResolver(discountsBps map[string]int64, commissionBps int64, tenants TenantPricer) *StaticResolver {
	if tenants == nil {
		tenants = NoTenantPricing{}
	}
	return &StaticResolver{discountsBps: discountsBps, commissionBps: commissionBps, tenants: tenants}
}

func (r *StaticResolver) Resolve(ctx context.Context, who Requester, p Product) (Quote, error) {
	if p.FaceValue <= 0 {
		return Quote{}, ErrInvalidProduct
	}
	cost := p.FaceValue - p.FaceValue*r.commissionBps/10000

	if who.TenantID != "" {
		q, ok, err := r.tenants.PriceFor(ctx, who.TenantID, p)
		if err != nil {
			return Quote{}, fmt.Errorf("tenant price: %w", err)
		}
		if ok {
			q.Cost = cost
			return q, nil
		}
	}

	price := p.FaceValue - p.FaceValue*r.discountsBps[who.Role]/10000
	return Quote{UnitPrice: price, Cost: cost}, nil
}
