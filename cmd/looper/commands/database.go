package commands

import (
	"database/sql"

	"github.com/looperhq/looper/config"
	"github.com/looperhq/looper/db"
	"github.com/looperhq/looper/errors"
	"github.com/looperhq/looper/logger"
)

// openDatabase opens and migrates the database. An empty path falls back
// to the configured one.
func openDatabase(path string) (*sql.DB, error) {
	if path == "" {
		cfg, err := config.Load()
		if err != nil {
			return nil, err
		}
		path = cfg.Database.Path
	}

	database, err := db.Open(path, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "open database at %s", path)
	}
	if err := db.Migrate(database, logger.Logger); err != nil {
		database.Close()
		return nil, errors.Wrapf(err, "migrate %s", path)
	}
	return database, nil
}
