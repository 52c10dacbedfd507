package s2pg

import (
	"fmt"
	"os"
)

// Credentials for the Copernicus hub, sourced from the environment.
type Credentials struct {
	User     string
	Password string
}

// CopernicusCredentials reads COPERNICUS_USER/COPERNICUS_PASS and fails if
// either is unset. Missing credentials are a fatal configuration error, not
// a per-item one.
func CopernicusCredentials() (Credentials, error) {
	user := os.Getenv("COPERNICUS_USER")
	if user == "" {
		return Credentials{}, fmt.Errorf("COPERNICUS_USER not set")
	}
	pass := os.Getenv("COPERNICUS_PASS")
	if pass == "" {
		return Credentials{}, fmt.Errorf("COPERNICUS_PASS not set")
	}
	return Credentials{User: user, Password: pass}, nil
}

// RequirePGEnv checks the libpq connection variables used by psql, pgx and
// raster2pgsql. pgx and the spawned tools read them on their own, this only
// surfaces a missing precondition before any work starts.
func RequirePGEnv() error {
	for _, v := range []string{"PGHOST", "PGDATABASE", "PGUSER"} {
		if os.Getenv(v) == "" {
			return fmt.Errorf("%s not set", v)
		}
	}
	return nil
}
