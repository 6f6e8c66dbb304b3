package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// Profile is configuration to start the main server.
type Profile struct {
	// Mode can be "prod", "dev", or "demo".
	Mode string
	// Addr is the binding address of the server.
	Addr string
	// Port is the binding port of the server.
	Port int
	// Data is the directory that holds local state (sqlite database, dotfiles).
	Data string
	// Driver is the database driver: "sqlite" or "postgres".
	Driver string
	// DSN is the database source name.
	DSN string
	// AuthToken is the opaque bearer token required on API calls.
	// Empty disables authentication (dev/demo).
	AuthToken string
	// Version is the current server version.
	Version string
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

func checkDataDir(dataDir string) (string, error) {
	// Convert to absolute path if a relative path is supplied.
	if !filepath.IsAbs(dataDir) {
		relativeDir := filepath.Join(filepath.Dir(os.Args[0]), dataDir)
		absDir, err := filepath.Abs(relativeDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}

	dataDir = strings.TrimRight(dataDir, "\\/")
	if _, err := os.Stat(dataDir); err != nil {
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}
	return dataDir, nil
}

// Validate normalizes the profile and fills driver-dependent defaults.
func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "demo"
	}

	if p.Mode == "prod" && p.Data == "" {
		p.Data = "/var/opt/banterop"
	}

	dataDir, err := checkDataDir(p.Data)
	if err != nil {
		return errors.Wrap(err, "invalid data directory")
	}
	p.Data = dataDir

	switch p.Driver {
	case "sqlite", "":
		p.Driver = "sqlite"
		if p.DSN == "" {
			dbFile := fmt.Sprintf("banterop_%s.db", p.Mode)
			p.DSN = filepath.Join(dataDir, dbFile)
		}
	case "postgres":
		if p.DSN == "" {
			return errors.New("dsn is required for postgres driver")
		}
	default:
		return errors.Errorf("unsupported driver %q", p.Driver)
	}

	return nil
}
