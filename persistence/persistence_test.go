package persistence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wfunc/roomserver/config"
	"github.com/wfunc/roomserver/models"
)

func TestDSN(t *testing.T) {
	dsn := DSN(config.PostgresConfig{Host: "db", Port: 5433, User: "u", Password: "p", DBName: "rooms"})
	assert.Equal(t, "host=db port=5433 user=u password=p dbname=rooms sslmode=disable", dsn)
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(config.DatabaseConfig{Driver: "mongo"})
	assert.ErrorIs(t, err, ErrUnknownDriver)
}

func TestPlayerFilter(t *testing.T) {
	filter, err := playerFilter(`p"1`)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":"p\"1"}]`, filter)
}

func TestJSONArray(t *testing.T) {
	b, err := jsonArray[string](nil)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(b))

	b, err = jsonArray([]models.PlayerResult{{PlayerID: "a", TeamName: "X"}})
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":"a","displayName":"","teamId":"","teamName":"X"}]`, string(b))
}
