package catalog

import (
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JonMunkholm/pricefeed/internal/entity"
)

// RegionRecord is a product's price and stock in one region.
type RegionRecord struct {
	entity.Base
	Product *Product

	Region    pgtype.Text
	Address   pgtype.Text
	Price     pgtype.Numeric
	Stock     pgtype.Int4
	Warehouse pgtype.Text
}

func (*RegionRecord) TypeName() string { return RegionType }

func (r *RegionRecord) ParentEntity() entity.Entity {
	if r.Product == nil {
		return nil
	}
	return r.Product
}

func (r *RegionRecord) SetParent(parent entity.Entity) {
	r.Product, _ = parent.(*Product)
}

func registerRegion() {
	entity.Register(entity.Type{
		Name:         RegionType,
		Label:        "Region",
		Namespace:    "region",
		Table:        "product_regions",
		Parent:       ProductType,
		ParentColumn: "product_ref",
		NaturalKey:   []string{"region"},
		Fields: []entity.Field{
			entity.Text("region", "Region", "region", func(r *RegionRecord) *pgtype.Text { return &r.Region }).Require(),
			entity.Text("regionAddress", "Region address", "address", func(r *RegionRecord) *pgtype.Text { return &r.Address }),
			entity.Numeric("regionalPrice", "Regional price", "price", func(r *RegionRecord) *pgtype.Numeric { return &r.Price }),
			entity.Int("stockAmount", "Stock amount", "stock_amount", func(r *RegionRecord) *pgtype.Int4 { return &r.Stock }),
			entity.Text("warehouse", "Warehouse", "warehouse", func(r *RegionRecord) *pgtype.Text { return &r.Warehouse }),
		},
		New: func() entity.Entity { return &RegionRecord{} },
		Children: func(parent entity.Entity) []entity.Entity {
			p := parent.(*Product)
			out := make([]entity.Entity, len(p.Regions))
			for i, r := range p.Regions {
				out[i] = r
			}
			return out
		},
		Attach: func(parent, child entity.Entity) {
			p, r := parent.(*Product), child.(*RegionRecord)
			r.Product = p
			p.Regions = append(p.Regions, r)
		},
	})
}
