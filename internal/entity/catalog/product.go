// Package catalog registers the product entity graph: products and the
// region and competitor facts attached to them.
package catalog

import (
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JonMunkholm/pricefeed/internal/entity"
)

// Type names.
const (
	ProductType    = "product"
	RegionType     = "region"
	CompetitorType = "competitor"
)

// Product is a client's catalogue item, identified by ProductID within the client.
type Product struct {
	entity.Base
	ClientID int64

	ProductID   pgtype.Text
	Name        pgtype.Text
	Brand       pgtype.Text
	Barcode     pgtype.Text
	Description pgtype.Text
	URL         pgtype.Text
	Category    pgtype.Text
	BasePrice   pgtype.Numeric
	Additional  pgtype.Text

	Regions     []*RegionRecord
	Competitors []*CompetitorRecord
}

func (*Product) TypeName() string { return ProductType }

func (p *Product) Scope() int64 { return p.ClientID }

func (p *Product) SetScope(clientID int64) { p.ClientID = clientID }

var productFields = []entity.Field{
	entity.Text("productId", "Product ID", "product_id", func(p *Product) *pgtype.Text { return &p.ProductID }).Require(),
	entity.Text("productName", "Product name", "name", func(p *Product) *pgtype.Text { return &p.Name }),
	entity.Text("productBrand", "Brand", "brand", func(p *Product) *pgtype.Text { return &p.Brand }),
	entity.Text("productBarcode", "Barcode", "barcode", func(p *Product) *pgtype.Text { return &p.Barcode }),
	entity.Text("productDescription", "Description", "description", func(p *Product) *pgtype.Text { return &p.Description }),
	entity.Text("productUrl", "Product URL", "url", func(p *Product) *pgtype.Text { return &p.URL }),
	entity.Text("productCategory", "Category", "category", func(p *Product) *pgtype.Text { return &p.Category }),
	entity.Numeric("basePrice", "Base price", "base_price", func(p *Product) *pgtype.Numeric { return &p.BasePrice }),
	entity.Text("productAdditional", "Additional info", "additional", func(p *Product) *pgtype.Text { return &p.Additional }),
}

func init() {
	entity.Register(entity.Type{
		Name:        ProductType,
		Label:       "Product",
		Table:       "products",
		ScopeColumn: "client_id",
		NaturalKey:  []string{"productId"},
		Fields:      productFields,
		New:         func() entity.Entity { return &Product{} },
	})
	registerRegion()
	registerCompetitor()
}
