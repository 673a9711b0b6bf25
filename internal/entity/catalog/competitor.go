package catalog

import (
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JonMunkholm/pricefeed/internal/entity"
)

// CompetitorRecord is a competitor's offer for a product.
type CompetitorRecord struct {
	entity.Base
	Product *Product

	Name        pgtype.Text
	ProductName pgtype.Text
	Price       pgtype.Numeric
	PromoPrice  pgtype.Numeric
	StockStatus pgtype.Text
	URL         pgtype.Text
	Commentary  pgtype.Text
	SeenAt      pgtype.Timestamp
}

func (*CompetitorRecord) TypeName() string { return CompetitorType }

func (c *CompetitorRecord) ParentEntity() entity.Entity {
	if c.Product == nil {
		return nil
	}
	return c.Product
}

func (c *CompetitorRecord) SetParent(parent entity.Entity) {
	c.Product, _ = parent.(*Product)
}

func registerCompetitor() {
	entity.Register(entity.Type{
		Name:         CompetitorType,
		Label:        "Competitor",
		Namespace:    "competitor",
		Table:        "product_competitors",
		Parent:       ProductType,
		ParentColumn: "product_ref",
		NaturalKey:   []string{"competitorName"},
		Fields: []entity.Field{
			entity.Text("competitorName", "Competitor", "name", func(c *CompetitorRecord) *pgtype.Text { return &c.Name }).Require(),
			entity.Text("competitorProductName", "Competitor product name", "product_name", func(c *CompetitorRecord) *pgtype.Text { return &c.ProductName }),
			entity.Numeric("competitorPrice", "Competitor price", "price", func(c *CompetitorRecord) *pgtype.Numeric { return &c.Price }),
			entity.Numeric("competitorPromotionalPrice", "Competitor promo price", "promo_price", func(c *CompetitorRecord) *pgtype.Numeric { return &c.PromoPrice }),
			entity.Text("competitorStockStatus", "Competitor stock status", "stock_status", func(c *CompetitorRecord) *pgtype.Text { return &c.StockStatus }),
			entity.Text("competitorUrl", "Competitor URL", "url", func(c *CompetitorRecord) *pgtype.Text { return &c.URL }),
			entity.Text("competitorCommentary", "Competitor comment", "commentary", func(c *CompetitorRecord) *pgtype.Text { return &c.Commentary }),
			entity.Timestamp("competitorDate", "Competitor date", "seen_at", func(c *CompetitorRecord) *pgtype.Timestamp { return &c.SeenAt }),
		},
		New: func() entity.Entity { return &CompetitorRecord{} },
		Children: func(parent entity.Entity) []entity.Entity {
			p := parent.(*Product)
			out := make([]entity.Entity, len(p.Competitors))
			for i, c := range p.Competitors {
				out[i] = c
			}
			return out
		},
		Attach: func(parent, child entity.Entity) {
			p, c := parent.(*Product), child.(*CompetitorRecord)
			c.Product = p
			p.Competitors = append(p.Competitors, c)
		},
	})
}
