package s2pg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopernicusCredentials(t *testing.T) {
	t.Setenv("COPERNICUS_USER", "")
	t.Setenv("COPERNICUS_PASS", "")
	_, err := CopernicusCredentials()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPERNICUS_USER")

	t.Setenv("COPERNICUS_USER", "u")
	_, err = CopernicusCredentials()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPERNICUS_PASS")

	t.Setenv("COPERNICUS_PASS", "p")
	creds, err := CopernicusCredentials()
	require.NoError(t, err)
	assert.Equal(t, Credentials{User: "u", Password: "p"}, creds)
}

func TestRequirePGEnv(t *testing.T) {
	t.Setenv("PGHOST", "localhost")
	t.Setenv("PGDATABASE", "geospatial")
	t.Setenv("PGUSER", "postgres")
	assert.NoError(t, RequirePGEnv())

	t.Setenv("PGDATABASE", "")
	err := RequirePGEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PGDATABASE")
}
