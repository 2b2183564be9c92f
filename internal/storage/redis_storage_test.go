package storage_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charging-platform/evse-simulator/internal/domain/events"
	"github.com/charging-platform/evse-simulator/internal/session"
	"github.com/charging-platform/evse-simulator/internal/storage"
)

func testSnapshot() session.Snapshot {
	return session.Snapshot{
		ID:            "session-uuid",
		ChargePointID: "CP001",
		State:         events.StateCharging,
		MeterWh:       1234.5,
	}
}

func TestSaveAndGetSnapshot(t *testing.T) {
	db, mock := redismock.NewClientMock()
	rdb := &storage.RedisStorage{Client: db, Prefix: "simulator", TTL: time.Hour}
	ctx := context.Background()

	snap := testSnapshot()
	data, err := json.Marshal(snap)
	require.NoError(t, err)

	mock.ExpectSet("simulator:snapshot:CP001", data, time.Hour).SetVal("OK")
	require.NoError(t, rdb.SaveSnapshot(ctx, snap))

	mock.ExpectGet("simulator:snapshot:CP001").SetVal(string(data))
	got, err := rdb.GetSnapshot(ctx, "CP001")
	require.NoError(t, err)
	assert.Equal(t, "CP001", got.ChargePointID)
	assert.Equal(t, events.StateCharging, got.State)
	assert.Equal(t, 1234.5, got.MeterWh)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSnapshotMissing(t *testing.T) {
	db, mock := redismock.NewClientMock()
	rdb := &storage.RedisStorage{Client: db, Prefix: "simulator", TTL: time.Hour}

	mock.ExpectGet("simulator:snapshot:CP404").SetErr(redis.Nil)
	_, err := rdb.GetSnapshot(context.Background(), "CP404")
	assert.ErrorIs(t, err, redis.Nil)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteSnapshot(t *testing.T) {
	db, mock := redismock.NewClientMock()
	rdb := &storage.RedisStorage{Client: db, Prefix: "simulator", TTL: time.Hour}

	mock.ExpectDel("simulator:snapshot:CP001").SetVal(1)
	require.NoError(t, rdb.DeleteSnapshot(context.Background(), "CP001"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveAndGetLimit(t *testing.T) {
	db, mock := redismock.NewClientMock()
	rdb := &storage.RedisStorage{Client: db, Prefix: "simulator", TTL: time.Hour}
	ctx := context.Background()

	mock.ExpectSet("simulator:limit:CP001:1", "7000.0", time.Hour).SetVal("OK")
	require.NoError(t, rdb.SaveLimit(ctx, "CP001", 1, 7000))

	mock.ExpectGet("simulator:limit:CP001:1").SetVal("7000.0")
	limit, err := rdb.GetLimit(ctx, "CP001", 1)
	require.NoError(t, err)
	assert.Equal(t, 7000.0, limit)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveSnapshotError(t *testing.T) {
	db, mock := redismock.NewClientMock()
	rdb := &storage.RedisStorage{Client: db, Prefix: "simulator", TTL: time.Hour}

	snap := testSnapshot()
	data, err := json.Marshal(snap)
	require.NoError(t, err)

	expectedErr := errors.New("redis set error")
	mock.ExpectSet("simulator:snapshot:CP001", data, time.Hour).SetErr(expectedErr)
	err = rdb.SaveSnapshot(context.Background(), snap)
	assert.ErrorIs(t, err, expectedErr)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClose(t *testing.T) {
	db, mock := redismock.NewClientMock()
	rdb := &storage.RedisStorage{Client: db, Prefix: "simulator", TTL: time.Hour}
	assert.NoError(t, rdb.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}
