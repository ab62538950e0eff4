package services

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scrape_runs/models"
)

func sampleListings() []models.Listing {
	mk := func(id int64, title, location, ptype string, tx models.TransactionType, price *int64, beds *int) models.Listing {
		return models.Listing{
			ID:              id,
			Title:           title,
			Location:        location,
			PropertyType:    ptype,
			TransactionType: tx,
			PriceNumeric:    price,
			BedroomCount:    beds,
		}
	}
	return []models.Listing{
		mk(1, "Casa 3 dormitorios", "Talca", models.PropertyCasa, models.TransactionRent, int64Ptr(350000), intPtr(3)),
		mk(2, "Depto centro", "Talca centro", models.PropertyDepartamento, models.TransactionRent, int64Ptr(280000), intPtr(1)),
		mk(3, "Casa con piscina", "Curicó", models.PropertyCasa, models.TransactionSale, int64Ptr(95000000), intPtr(4)),
		mk(4, "Parcela de agrado", "San Clemente", models.PropertyParcela, models.TransactionSale, nil, nil),
		mk(5, "Pieza para estudiante", "Talca", models.PropertyHabitacion, models.TransactionUnknown, int64Ptr(150000), intPtr(1)),
		mk(6, "Casa amplia", "Constitución", models.PropertyCasa, models.TransactionRent, int64Ptr(420000), intPtr(2)),
		mk(7, "Oficina", "Linares", models.PropertyOficina, models.TransactionRent, int64Ptr(500000), nil),
		mk(8, "Casa pareada", "Talca oriente", models.PropertyCasa, models.TransactionUnknown, int64Ptr(390000), intPtr(5)),
		mk(9, "Bodega", "Maule", models.PropertyBodega, models.TransactionRent, int64Ptr(200000), nil),
		mk(10, "Departamento nuevo", "Constitucion", models.PropertyDepartamento, models.TransactionSale, int64Ptr(70000000), intPtr(2)),
	}
}

func listingIDs(listings []models.Listing) []int64 {
	ids := make([]int64, 0, len(listings))
	for _, l := range listings {
		ids = append(ids, l.ID)
	}
	return ids
}

func TestNormalizeFilters(t *testing.T) {
	f := NormalizeFilters(models.RawFilters{
		PropertyType: " Casa ",
		Transaction:  "Arriendo",
		MinPrice:     "$ 500.000",
		MaxPrice:     "100000",
		Bedrooms:     []string{"1,2", "4+", "2", "abc"},
	})

	assert.Equal(t, "casa", f.PropertyType)
	assert.Equal(t, "rent", f.Transaction)
	require.NotNil(t, f.MinPrice)
	require.NotNil(t, f.MaxPrice)
	assert.Equal(t, int64(100000), *f.MinPrice)
	assert.Equal(t, int64(500000), *f.MaxPrice)
	assert.Equal(t, []string{"1", "2", "4+"}, f.Bedrooms)
	assert.True(t, f.HasFilters())

	assert.False(t, NormalizeFilters(models.RawFilters{PropertyType: "todos"}).HasFilters())
}

func TestApplyFiltersCasaUnderPrice(t *testing.T) {
	f := NormalizeFilters(models.RawFilters{PropertyType: "casa", MaxPrice: "400000"})
	got := ApplyFilters(sampleListings(), f)
	assert.Equal(t, []int64{1, 8}, listingIDs(got))
}

func TestApplyFiltersTransactionKeepsUnknown(t *testing.T) {
	f := NormalizeFilters(models.RawFilters{Transaction: "sale"})
	got := ApplyFilters(sampleListings(), f)
	assert.Equal(t, []int64{3, 4, 5, 8, 10}, listingIDs(got))
}

func TestApplyFiltersLocationIgnoresDiacritics(t *testing.T) {
	f := NormalizeFilters(models.RawFilters{Location: "CONSTITUCION"})
	got := ApplyFilters(sampleListings(), f)
	assert.Equal(t, []int64{6, 10}, listingIDs(got))
}

func TestApplyFiltersSearchTerm(t *testing.T) {
	f := NormalizeFilters(models.RawFilters{SearchTerm: "piscina"})
	assert.Equal(t, []int64{3}, listingIDs(ApplyFilters(sampleListings(), f)))

	listings := []models.Listing{{ID: 1, Title: "Casa", Details: []string{"Quincho techado"}}}
	f = NormalizeFilters(models.RawFilters{SearchTerm: "quincho"})
	assert.Len(t, ApplyFilters(listings, f), 1)
}

func TestApplyFiltersPriceExcludesUnpriced(t *testing.T) {
	f := NormalizeFilters(models.RawFilters{MinPrice: "0"})
	got := ApplyFilters(sampleListings(), f)
	assert.NotContains(t, listingIDs(got), int64(4))
	assert.Len(t, got, 9)
}

func TestApplyFiltersBedroomRules(t *testing.T) {
	listings := sampleListings()

	exact := ApplyFilters(listings, NormalizeFilters(models.RawFilters{Bedrooms: []string{"1"}}))
	assert.Equal(t, []int64{2, 5}, listingIDs(exact))

	ranged := ApplyFilters(listings, NormalizeFilters(models.RawFilters{Bedrooms: []string{"2-3"}}))
	assert.Equal(t, []int64{1, 6, 10}, listingIDs(ranged))

	open := ApplyFilters(listings, NormalizeFilters(models.RawFilters{Bedrooms: []string{"4+"}}))
	assert.Equal(t, []int64{3, 8}, listingIDs(open))
}

func TestApplyFiltersNoFiltersKeepsAll(t *testing.T) {
	listings := sampleListings()
	assert.Len(t, ApplyFilters(listings, models.Filters{}), len(listings))
}

var (
	propertyOptions    = []string{"", "casa", "departamento", "parcela"}
	transactionOptions = []string{"", "rent", "sale"}
	locationOptions    = []string{"", "talca", "constitución", "maule"}
	searchOptions      = []string{"", "casa", "depto", "piscina"}
	priceOptions       = []string{"", "150000", "350000", "420000", "100000000"}
	bedroomOptions     = [][]string{nil, {"1"}, {"2-3"}, {"4+"}, {"1", "4+"}}
)

// splitFilters moves each active filter into a or b by the bits of mask.
func splitFilters(f models.Filters, mask int) (a, b models.Filters) {
	pick := func(bit int) *models.Filters {
		if mask&(1<<bit) != 0 {
			return &a
		}
		return &b
	}
	pick(0).PropertyType = f.PropertyType
	pick(1).Transaction = f.Transaction
	pick(2).Location = f.Location
	pick(3).SearchTerm = f.SearchTerm
	pick(4).MinPrice = f.MinPrice
	pick(5).MaxPrice = f.MaxPrice
	pick(6).Bedrooms = f.Bedrooms
	return a, b
}

func TestFilterPartitionProperty(t *testing.T) {
	listings := sampleListings()
	properties := gopter.NewProperties(nil)

	properties.Property("sequential partitions equal the whole filter set", prop.ForAll(
		func(pt, tx, loc, q, lo, hi, beds, mask int) bool {
			full := NormalizeFilters(models.RawFilters{
				PropertyType: propertyOptions[pt],
				Transaction:  transactionOptions[tx],
				Location:     locationOptions[loc],
				SearchTerm:   searchOptions[q],
				MinPrice:     priceOptions[lo],
				MaxPrice:     priceOptions[hi],
				Bedrooms:     bedroomOptions[beds],
			})
			a, b := splitFilters(full, mask)

			want := listingIDs(ApplyFilters(listings, full))
			ab := listingIDs(ApplyFilters(ApplyFilters(listings, a), b))
			ba := listingIDs(ApplyFilters(ApplyFilters(listings, b), a))
			return assert.ObjectsAreEqual(want, ab) && assert.ObjectsAreEqual(want, ba)
		},
		gen.IntRange(0, len(propertyOptions)-1),
		gen.IntRange(0, len(transactionOptions)-1),
		gen.IntRange(0, len(locationOptions)-1),
		gen.IntRange(0, len(searchOptions)-1),
		gen.IntRange(0, len(priceOptions)-1),
		gen.IntRange(0, len(priceOptions)-1),
		gen.IntRange(0, len(bedroomOptions)-1),
		gen.IntRange(0, 127),
	))

	properties.TestingRun(t)
}
