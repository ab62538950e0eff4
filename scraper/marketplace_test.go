package scraper

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scrape_runs/config"
	"scrape_runs/logging"
	"scrape_runs/models"
	"scrape_runs/services"
)

const searchPayload = `{
  "paging": {"total": 3, "offset": 0, "limit": 50},
  "results": [
    {
      "id": "MLC111",
      "title": "Departamento 2 dormitorios centro",
      "price": 420000,
      "currency_id": "CLP",
      "permalink": "https://articulo.mercadolibre.cl/MLC-111-depto",
      "thumbnail": "http://http2.mlstatic.com/D_111-I.jpg",
      "seller": {"id": 9, "nickname": "CORREDORA MAULE"},
      "address": {"city_name": "Talca", "state_name": "Maule"},
      "attributes": [
        {"id": "PROPERTY_TYPE", "name": "Inmueble", "value_name": "Departamento"},
        {"id": "BEDROOMS", "name": "Dormitorios", "value_name": "2"}
      ]
    },
    {
      "id": "MLC222",
      "title": "Casa amplia",
      "price": 15,
      "currency_id": "CLF",
      "permalink": "https://articulo.mercadolibre.cl/MLC-222-casa",
      "attributes": []
    },
    {
      "id": "MLC333",
      "title": "Casa con parcela",
      "price": 3500.5,
      "currency_id": "CLF",
      "permalink": "https://articulo.mercadolibre.cl/MLC-333-casa",
      "attributes": []
    }
  ]
}`

const itemPayload = `{
  "id": "MLC222",
  "pictures": [{"url": "http://x/222.jpg", "secure_url": "https://x/222.jpg"}],
  "location": {"city": {"name": "Curicó"}, "state": {"name": "Maule"}},
  "attributes": [
    {"id": "ROOMS", "name": "Ambientes", "value_name": "4"},
    {"id": "FULL_BATHROOMS", "name": "Baños", "value_name": "2"}
  ]
}`

func newMarketplaceServer(t *testing.T, gotQuery *url.Values) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/sites/MLC/search":
			if gotQuery != nil {
				*gotQuery = r.URL.Query()
			}
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(searchPayload))
		case r.URL.Path == "/items/MLC222":
			w.Write([]byte(itemPayload))
		default:
			http.Error(w, `{"message":"not found"}`, http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testMarketplaceConfig(apiURL string) *config.MarketplaceConfig {
	cfg := config.DefaultMarketplace()
	cfg.APIBaseURL = apiURL
	cfg.FallbackBaseURL = apiURL
	return cfg
}

func TestMarketplaceSearch(t *testing.T) {
	var query url.Values
	srv := newMarketplaceServer(t, &query)
	client := NewMarketplaceClient(testMarketplaceConfig(srv.URL), srv.Client(), services.NewNormalizer(37000, ""), logging.Discard())

	listings, requestURL, err := client.Search(context.Background(), models.SecondaryQuery{
		Query: "departamento", Location: "talca", Limit: 200,
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(requestURL, srv.URL+"/sites/MLC/search?"))

	assert.Equal(t, "50", query.Get("limit"))
	assert.Equal(t, "MLC1692", query.Get("category"))
	assert.Equal(t, "departamento talca", query.Get("q"))
	assert.Equal(t, "CL-MA", query.Get("state"))
	assert.Equal(t, "price_asc", query.Get("sort"))

	require.Len(t, listings, 3)
	depto := listings[0]
	assert.Equal(t, "ml-MLC111", depto.ExternalID)
	assert.Equal(t, "$ 420.000", depto.PriceLabel)
	require.NotNil(t, depto.PriceNumeric)
	assert.EqualValues(t, 420000, *depto.PriceNumeric)
	assert.Equal(t, "Talca, Maule", depto.Location)
	assert.Equal(t, "CORREDORA MAULE", depto.Seller)
	assert.Equal(t, models.PropertyDepartamento, depto.PropertyType)
	require.NotNil(t, depto.BedroomCount)
	assert.Equal(t, 2, *depto.BedroomCount)
	assert.Equal(t, models.TransactionRent, depto.TransactionType)
	assert.Equal(t, "https://http2.mlstatic.com/D_111-I.jpg", depto.Image)
	assert.Equal(t, "mercadolibre", depto.Source)

	casa := listings[1]
	assert.Equal(t, "UF 15", casa.PriceLabel)
	require.NotNil(t, casa.PriceNumeric)
	assert.EqualValues(t, 15*37000, *casa.PriceNumeric)
	assert.Equal(t, "Mercado Libre", casa.Seller)
	assert.Equal(t, models.PropertyCasa, casa.PropertyType)

	parcela := listings[2]
	assert.Equal(t, "UF 3.500,5", parcela.PriceLabel)
	require.NotNil(t, parcela.PriceNumeric)
	assert.EqualValues(t, 129518500, *parcela.PriceNumeric)
}

func TestFormatPrice(t *testing.T) {
	assert.Equal(t, "$ 420.000", formatPrice(420000, "CLP"))
	assert.Equal(t, "UF 15", formatPrice(15, "CLF"))
	assert.Equal(t, "UF 12.000,25", formatPrice(12000.25, "CLF"))
	assert.Equal(t, "", formatPrice(0, "CLF"))
}

func TestMarketplaceEnrich(t *testing.T) {
	srv := newMarketplaceServer(t, nil)
	client := NewMarketplaceClient(testMarketplaceConfig(srv.URL), srv.Client(), services.NewNormalizer(0, ""), logging.Discard())

	enriched, err := client.Enrich(context.Background(), models.Listing{ExternalID: "ml-MLC222", Title: "Casa amplia"})
	require.NoError(t, err)
	assert.Equal(t, "https://x/222.jpg", enriched.Image)
	assert.Equal(t, "Curicó, Maule", enriched.Location)
	assert.Equal(t, []string{"Ambientes: 4", "Baños: 2"}, enriched.Details)
	require.NotNil(t, enriched.BedroomCount)
	assert.Equal(t, 4, *enriched.BedroomCount)

	_, err = client.Enrich(context.Background(), models.Listing{ExternalID: "ml-MLC999"})
	assert.ErrorContains(t, err, "404")
}

func TestMarketplaceSearchUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()
	client := NewMarketplaceClient(testMarketplaceConfig(srv.URL), srv.Client(), services.NewNormalizer(0, ""), logging.Discard())

	_, requestURL, err := client.Search(context.Background(), models.SecondaryQuery{})
	assert.ErrorContains(t, err, "429")
	assert.NotEmpty(t, requestURL)
}

func TestFallbackSearchURL(t *testing.T) {
	cfg := config.DefaultMarketplace()

	got := FallbackSearchURL(cfg, models.SecondaryQuery{PropertyType: "casa", Location: "Talca"})
	assert.Equal(t, "https://listado.mercadolibre.cl/casa-talca-arriendo?since=today&state=CL-MA", got)

	got = FallbackSearchURL(cfg, models.SecondaryQuery{})
	assert.Equal(t, "https://listado.mercadolibre.cl/departamento-talca-arriendo?since=today&state=CL-MA", got)

	got = FallbackSearchURL(cfg, models.SecondaryQuery{PropertyType: "departamento", Query: "Constitución", StateID: "CL-BI"})
	assert.Equal(t, "https://listado.mercadolibre.cl/departamento-constitucion-talca-arriendo?since=today&state=CL-BI", got)
}

const fallbackPage = `<html><body><ol>
<li class="ui-search-layout__item"><div class="ui-search-result__wrapper">
  <a class="ui-search-link" href="https://departamento.mercadolibre.cl/MLC-1234-depto-centro#pos=1">x</a>
  <h2 class="ui-search-item__title">Departamento 2 dormitorios centro</h2>
  <div class="ui-search-price__second-line">$ 390.000</div>
  <span class="ui-search-item__group__element--location">Talca, Maule</span>
  <ul><li class="ui-search-card-attributes__attribute">2 dormitorios</li><li class="ui-search-card-attributes__attribute">55 m²</li></ul>
  <img class="ui-search-result-image__element" data-src="https://http2.mlstatic.com/a.webp" src="data:image/gif;base64,R0">
</div></li>
<li class="ui-search-layout__item"><div class="ui-search-result__wrapper">
  <a class="ui-search-link" href="https://departamento.mercadolibre.cl/MLC-1234-depto-centro#pos=2">dup</a>
  <h2 class="ui-search-item__title">Departamento 2 dormitorios centro</h2>
</div></li>
<li class="ui-search-layout__item"><div class="ui-search-result__wrapper">
  <a class="ui-search-link" href="https://casa.mercadolibre.cl/sin-titulo">x</a>
</div></li>
<li class="ui-search-layout__item"><div class="ui-search-result__wrapper">
  <a class="ui-search-link" href="/otra-casa">x</a>
  <h2 class="ui-search-item__title">Casa con patio</h2>
  <span class="ui-search-official-store-label">Inmobiliaria Centro</span>
  <img src="https://http2.mlstatic.com/b.webp">
</div></li>
</ol></body></html>`

func TestParseFallbackPage(t *testing.T) {
	f := NewMarketplaceFallback(config.DefaultMarketplace(), http.DefaultClient, services.NewNormalizer(0, ""), logging.Discard())

	listings, err := f.ParseFallbackPage(strings.NewReader(fallbackPage), "https://listado.mercadolibre.cl/casa-talca-arriendo", 0)
	require.NoError(t, err)
	require.Len(t, listings, 2, "duplicate link and untitled card are skipped")

	depto := listings[0]
	assert.Equal(t, "ml-MLC1234", depto.ExternalID)
	assert.Equal(t, "https://departamento.mercadolibre.cl/MLC-1234-depto-centro", depto.Link)
	assert.Equal(t, "$ 390.000", depto.PriceLabel)
	assert.Equal(t, "Mercado Libre", depto.Seller)
	assert.Equal(t, models.PropertyDepartamento, depto.PropertyType)
	require.NotNil(t, depto.BedroomCount)
	assert.Equal(t, 2, *depto.BedroomCount)
	assert.Equal(t, "https://http2.mlstatic.com/a.webp", depto.Image)
	assert.Equal(t, []string{"2 dormitorios", "55 m²"}, depto.Details)
	assert.Equal(t, fallbackDescription, depto.Description)

	casa := listings[1]
	assert.True(t, strings.HasPrefix(casa.ExternalID, "ml-fallback-"))
	assert.Equal(t, "https://listado.mercadolibre.cl/otra-casa", casa.Link)
	assert.Equal(t, "Precio no informado", casa.PriceLabel)
	assert.Nil(t, casa.PriceNumeric)
	assert.Equal(t, "Inmobiliaria Centro", casa.Seller)
	assert.Equal(t, models.PropertyCasa, casa.PropertyType)
	assert.Equal(t, models.TransactionRent, casa.TransactionType)

	limited, err := f.ParseFallbackPage(strings.NewReader(fallbackPage), "https://listado.mercadolibre.cl/x", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestMarketplaceFallbackSearch(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.Write([]byte(fallbackPage))
	}))
	defer srv.Close()

	f := NewMarketplaceFallback(testMarketplaceConfig(srv.URL), srv.Client(), services.NewNormalizer(0, ""), logging.Discard())
	listings, requestURL, err := f.Search(context.Background(), models.SecondaryQuery{PropertyType: "departamento"})
	require.NoError(t, err)
	assert.Equal(t, "/departamento-talca-arriendo", path)
	assert.Contains(t, requestURL, "since=today")
	assert.Len(t, listings, 2)
}
