// Package db provides the database driver factory.
package db

import (
	"github.com/pkg/errors"

	"github.com/jmandel/banterop-sub006/internal/profile"
	"github.com/jmandel/banterop-sub006/store"
	"github.com/jmandel/banterop-sub006/store/db/postgres"
	"github.com/jmandel/banterop-sub006/store/db/sqlite"
)

// NewDBDriver creates a new db driver based on profile.
func NewDBDriver(profile *profile.Profile) (store.Driver, error) {
	switch profile.Driver {
	case "sqlite":
		return sqlite.NewDB(profile)
	case "postgres":
		return postgres.NewDB(profile)
	default:
		return nil, errors.Errorf("unknown db driver %q", profile.Driver)
	}
}
