package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SOURCES_DIR", filepath.Join(t.TempDir(), "missing"))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Engine.Concurrency)
	assert.Equal(t, 50, cfg.Engine.MaxPages)
	assert.Equal(t, 3, cfg.Engine.DefaultPages)
	assert.Equal(t, time.Hour, cfg.Engine.Freshness)
	assert.Equal(t, 2, cfg.Engine.PageRetries)
	assert.Equal(t, 2*time.Minute, cfg.Cache.RunTTL)
	assert.Equal(t, 3*time.Minute, cfg.Cache.ExternalTTL)
	assert.Equal(t, 6*time.Second, cfg.External.DetailBudget)
	assert.Equal(t, "yapo", cfg.Primary.ID)
	assert.Equal(t, "CL-MA", cfg.Secondary.DefaultStateID)
	assert.False(t, cfg.S3.Enabled())
}

func TestLoadClampsKnobs(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SOURCES_DIR", filepath.Join(t.TempDir(), "missing"))
	t.Setenv("SCRAPE_CONCURRENCY", "500")
	t.Setenv("SCRAPE_RUN_MAX_PAGES", "10")
	t.Setenv("SCRAPE_RUN_DEFAULT_PAGES", "40")
	t.Setenv("EXTERNAL_CACHE_TTL", "1s")
	t.Setenv("RUN_CACHE_TTL", "120000")
	t.Setenv("EXTERNAL_DETAIL_BUDGET", "2m")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 16, cfg.Engine.Concurrency)
	assert.Equal(t, 10, cfg.Engine.MaxPages)
	assert.Equal(t, 10, cfg.Engine.DefaultPages)
	assert.Equal(t, 30*time.Second, cfg.Cache.ExternalTTL)
	assert.Equal(t, 2*time.Minute, cfg.Cache.RunTTL)
	assert.Equal(t, 30*time.Second, cfg.External.DetailBudget)
}

func TestLoadSourceFiles(t *testing.T) {
	t.Chdir(t.TempDir())
	dir := t.TempDir()
	t.Setenv("SOURCES_DIR", dir)

	yaml := `
primary:
  id: yapo
  handler: http
  base_url: https://www.yapo.cl/searchresult
  default_region: biobio
secondary:
  id: mercadolibre
  name: Mercado Libre
  default_state_id: CL-BI
warm_queries:
  - region: biobio
    category: inmuebles
    search: casa
    pages: all
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sources.yaml"), []byte(yaml), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "http", cfg.Primary.Handler)
	assert.Equal(t, "biobio", cfg.Primary.DefaultRegion)
	assert.Equal(t, "inmuebles", cfg.Primary.DefaultCategory)
	assert.Equal(t, "CL-BI", cfg.Secondary.DefaultStateID)
	require.Len(t, cfg.WarmQueries, 1)
	assert.Equal(t, WarmQuery{Region: "biobio", Category: "inmuebles", SearchTerm: "casa", Pages: "all"}, cfg.WarmQueries[0])
}
