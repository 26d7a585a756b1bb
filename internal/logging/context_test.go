package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransactionID(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, TransactionID(ctx))

	ctx = WithTransactionID(ctx, "tx-1")
	assert.Equal(t, "tx-1", TransactionID(ctx))
}

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	fallback := slog.New(slog.NewJSONHandler(&buf, nil)).With("component", "relay")

	FromContext(context.Background(), fallback).Info("plain")
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "relay", entry["component"])
	assert.NotContains(t, entry, "transaction_id")

	buf.Reset()
	ctx := WithTransactionID(context.Background(), "tx-2")
	FromContext(ctx, fallback).Info("tagged")
	entry = nil
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "tx-2", entry["transaction_id"])

	var other bytes.Buffer
	stored := slog.New(slog.NewJSONHandler(&other, nil))
	buf.Reset()
	FromContext(WithLogger(context.Background(), stored), fallback).Info("stored")
	assert.Empty(t, buf.String())
	assert.Contains(t, other.String(), `"msg":"stored"`)

	assert.NotNil(t, FromContext(context.Background(), nil))
}
