package postgres

import (
	"io/fs"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/predictindexer/internal/domain"
)

func TestDSN(t *testing.T) {
	assert.Equal(t,
		"postgres://idx:pw@db:5432/predict?sslmode=disable",
		DSN(ClientConfig{Host: "db", Database: "predict", User: "idx", Password: "pw"}))
	assert.Equal(t,
		"postgres://u:p@h:6543/d?sslmode=require",
		DSN(ClientConfig{Host: "h", Port: 6543, Database: "d", User: "u", Password: "p", SSLMode: "require"}))
	assert.Equal(t, "postgres://explicit", DSN(ClientConfig{DSN: "postgres://explicit", Host: "ignored"}))
}

func TestActivityQuery(t *testing.T) {
	since := time.Unix(100, 0)
	q, args := activityQuery("SELECT * FROM bets", "w1", domain.ListOpts{Since: &since, Limit: 20, Offset: 40})
	assert.Equal(t,
		"SELECT * FROM bets WHERE user_wallet = $1 AND timestamp >= $2 ORDER BY slot DESC, id DESC LIMIT $3 OFFSET $4",
		q)
	assert.Equal(t, []any{"w1", since, 20, 40}, args)

	q, args = activityQuery("SELECT * FROM claims", "w2", domain.ListOpts{})
	assert.Equal(t, "SELECT * FROM claims WHERE user_wallet = $1 ORDER BY slot DESC, id DESC", q)
	assert.Equal(t, []any{"w2"}, args)
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	data, err := migrationsFS.ReadFile("migrations/" + entries[0].Name())
	require.NoError(t, err)
	for _, table := range []string{"markets", "bets", "claims", "price_snapshots", "users", "snapshot_archive"} {
		assert.Contains(t, string(data), "CREATE TABLE IF NOT EXISTS "+table+" ")
	}
	assert.Contains(t, string(data), "tx_signature  TEXT NOT NULL UNIQUE")
}
