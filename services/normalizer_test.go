package services

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scrape_runs/identity"
	"scrape_runs/models"
)

func TestParsePrice(t *testing.T) {
	n := NewNormalizer(37000, "yapo")

	tests := []struct {
		label string
		want  *int64
	}{
		{"$ 450.000", int64Ptr(450000)},
		{"$450000 mensual", int64Ptr(450000)},
		{"UF 12,5", int64Ptr(462500)},
		{"UF 3.500", int64Ptr(129500000)},
		{"Precio a convenir", nil},
		{"", nil},
	}

	for _, tt := range tests {
		got := n.ParsePrice(tt.label)
		if tt.want == nil {
			assert.Nil(t, got, tt.label)
			continue
		}
		require.NotNil(t, got, tt.label)
		assert.Equal(t, *tt.want, *got, tt.label)
	}
}

func TestParsePriceUsesConfiguredRate(t *testing.T) {
	n := NewNormalizer(40000, "yapo")
	got := n.ParsePrice("UF 10")
	require.NotNil(t, got)
	assert.Equal(t, int64(400000), *got)
}

func TestDetectTransactionType(t *testing.T) {
	tests := []struct {
		name string
		ad   models.RawListing
		want models.TransactionType
	}{
		{"hint wins", models.RawListing{Title: "Se arrienda casa", TransactionHint: "venta"}, models.TransactionSale},
		{"rent keyword", models.RawListing{Title: "Se arrienda casa amplia"}, models.TransactionRent},
		{"sale keyword", models.RawListing{Description: "Propiedad en venta, lista para habitar"}, models.TransactionSale},
		{"details", models.RawListing{Title: "Casa", Details: []string{"Arriendo mensual"}}, models.TransactionRent},
		{"link", models.RawListing{Title: "Casa", Link: "https://www.yapo.cl/arriendo/casa-talca"}, models.TransactionRent},
		{"nothing", models.RawListing{Title: "Casa en Talca"}, models.TransactionUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectTransactionType(tt.ad))
		})
	}
}

func TestDetectPropertyType(t *testing.T) {
	assert.Equal(t, models.PropertyCasa, DetectPropertyType("Casa en Talca", ""))
	assert.Equal(t, models.PropertyDepartamento, DetectPropertyType("Depto centro", "2 dormitorios"))
	assert.Equal(t, models.PropertyParcela, DetectPropertyType("Vendo parcela de agrado", ""))
	assert.Equal(t, models.PropertyHabitacion, DetectPropertyType("Arriendo pieza", "para estudiante"))
	assert.Equal(t, models.PropertyBodega, DetectPropertyType("Galpón industrial", ""))
	assert.Equal(t, "", DetectPropertyType("Auto usado", "buen estado"))
}

func TestDetectPropertyTypeFirstMatchWins(t *testing.T) {
	// Both keywords present; casa is checked first.
	assert.Equal(t, models.PropertyCasa, DetectPropertyType("Casa con departamento independiente", ""))
}

func TestExtractBedrooms(t *testing.T) {
	got := ExtractBedrooms("Depto 2 dormitorios", "", nil)
	require.NotNil(t, got)
	assert.Equal(t, 2, *got)

	got = ExtractBedrooms("Casa amplia", "", []string{"Superficie 80 m2", "3 habitaciones"})
	require.NotNil(t, got)
	assert.Equal(t, 3, *got)

	assert.Nil(t, ExtractBedrooms("Oficina", "planta libre", nil))
}

func TestExternalID(t *testing.T) {
	assert.Equal(t, "12345", ExternalID(models.RawListing{Link: "https://www.yapo.cl/vi?id=12345&x=1"}, 1))
	assert.Equal(t, "87654321", ExternalID(models.RawListing{Link: "https://www.yapo.cl/maule/casa_87654321"}, 1))

	ad := models.RawListing{Title: "Casa", Location: "Talca", Price: "$ 1"}
	assert.Equal(t, identity.ContentID("Casa", "Talca", "$ 1", 2), ExternalID(ad, 2))
	assert.NotEqual(t, ExternalID(ad, 2), ExternalID(ad, 3))
}

func TestNormalizeListing(t *testing.T) {
	n := NewNormalizer(37000, "yapo")
	raw := models.RawListing{
		Price:       "$ 350.000",
		Location:    "Talca, Maule",
		Description: "Se arrienda departamento de 2 dormitorios",
		Link:        "https://www.yapo.cl/maule/depto_99887766",
		Details:     []string{" 2 baños ", "", "Estacionamiento"},
	}

	l := n.NormalizeListing(raw, 4)

	assert.Equal(t, "Sin título", l.Title)
	assert.Equal(t, "99887766", l.ExternalID)
	assert.Equal(t, 4, l.PageNumber)
	require.NotNil(t, l.PriceNumeric)
	assert.Equal(t, int64(350000), *l.PriceNumeric)
	assert.Equal(t, models.PropertyDepartamento, l.PropertyType)
	require.NotNil(t, l.BedroomCount)
	assert.Equal(t, 2, *l.BedroomCount)
	assert.Equal(t, models.TransactionRent, l.TransactionType)
	assert.Equal(t, []string{"2 baños", "Estacionamiento"}, l.Details)
	assert.Equal(t, "yapo", l.Source)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(l.Raw, &payload))
	assert.Equal(t, "yapo", payload["source"])
	assert.Equal(t, float64(4), payload["sourcePage"])
}
