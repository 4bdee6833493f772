package service

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marginbot/internal/cache/memory"
	"github.com/alanyoungcy/marginbot/internal/domain"
)

func record(id string, account common.Address) domain.OperationRecord {
	rec := domain.OperationRecord{Message: "done " + id}
	rec.ID, rec.Account, rec.Kind, rec.Status = id, account, domain.OpDepositNative, domain.OpSucceeded
	return rec
}

func appendRecord(t *testing.T, bus *memory.SignalBus, rec domain.OperationRecord) {
	t.Helper()
	payload, err := json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, bus.StreamAppend(context.Background(), domain.StreamOperations, payload))
}

func TestStreamHistoryFiltersAndOrders(t *testing.T) {
	bus := memory.NewSignalBus(0)
	other := common.HexToAddress("0xb2")
	appendRecord(t, bus, record("a", acct))
	appendRecord(t, bus, record("x", other))
	require.NoError(t, bus.StreamAppend(context.Background(), domain.StreamOperations, []byte("{not json")))
	appendRecord(t, bus, record("b", acct))
	appendRecord(t, bus, record("c", acct))

	h := NewStreamHistory(bus, discard())
	recs, err := h.Recent(context.Background(), acct, 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "c", recs[0].ID)
	assert.Equal(t, "b", recs[1].ID)
	assert.Equal(t, "done c", recs[0].Message)
}

func TestStreamHistoryReadsEveryPage(t *testing.T) {
	bus := memory.NewSignalBus(0)
	for i := 0; i < streamPage+100; i++ {
		appendRecord(t, bus, record(fmt.Sprint(i), acct))
	}
	recs, err := NewStreamHistory(bus, discard()).Recent(context.Background(), acct, 0)
	require.NoError(t, err)
	require.Len(t, recs, streamPage+100)
	assert.Equal(t, fmt.Sprint(streamPage+99), recs[0].ID)
}

type fakeAudit struct {
	opts    domain.ListOpts
	entries []domain.AuditEntry
}

func (f *fakeAudit) Log(context.Context, string, map[string]any) error { return nil }

func (f *fakeAudit) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	f.opts = opts
	return f.entries, nil
}

func TestAuditHistoryDecodesDetail(t *testing.T) {
	raw, err := json.Marshal(record("a", acct))
	require.NoError(t, err)
	var detail map[string]any
	require.NoError(t, json.Unmarshal(raw, &detail))

	store := &fakeAudit{entries: []domain.AuditEntry{{ID: 7, Event: domain.AuditOperationFinished, Detail: detail}}}
	recs, err := NewAuditHistory(store).Recent(context.Background(), acct, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "a", recs[0].ID)
	assert.Equal(t, acct, recs[0].Account)
	assert.Equal(t, domain.OpSucceeded, recs[0].Status)

	assert.Equal(t, domain.AuditOperationFinished, store.opts.Event)
	assert.Equal(t, acct.Hex(), store.opts.Account)
	assert.Equal(t, 10, store.opts.Limit)
}

type limitHistory struct{ limit int }

func (h *limitHistory) Recent(_ context.Context, _ common.Address, limit int) ([]domain.OperationRecord, error) {
	h.limit = limit
	return nil, nil
}

func TestOperationsBoundsLimit(t *testing.T) {
	svc, _ := newService(t, nil)
	recs, err := svc.Operations(context.Background(), 0)
	require.NoError(t, err)
	assert.NotNil(t, recs)
	assert.Empty(t, recs)

	h := &limitHistory{}
	svc.history = h
	_, err = svc.Operations(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultHistoryLimit, h.limit)

	_, err = svc.Operations(context.Background(), 10000)
	require.NoError(t, err)
	assert.Equal(t, MaxHistoryLimit, h.limit)
}
