package database

import (
	"context"
	"errors"
	"testing"

	"github.com/pablobfonseca/go-meal-vector/config"
	"github.com/pablobfonseca/go-meal-vector/errortypes"
	"github.com/pablobfonseca/go-meal-vector/logging"
	"github.com/stretchr/testify/assert"
)

type stubMigrator struct {
	calls *[]string
	name  string
	err   error
}

func (s stubMigrator) Migrate(context.Context) error {
	*s.calls = append(*s.calls, s.name)
	return s.err
}

func TestMigrateStopsAtFirstFailure(t *testing.T) {
	var calls []string
	boom := errors.New("boom")
	err := Migrate(context.Background(),
		stubMigrator{calls: &calls, name: "vectors"},
		stubMigrator{calls: &calls, name: "metrics", err: boom},
		stubMigrator{calls: &calls, name: "never"},
	)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"vectors", "metrics"}, calls)
}

func TestConnectRequiresSettings(t *testing.T) {
	_, err := Connect(context.Background(), config.DatabaseConfig{Host: "localhost"}, logging.Discard())
	assert.True(t, errortypes.IsConfiguration(err))
}

func TestCloseNil(t *testing.T) {
	assert.NoError(t, Close(nil))
}
