package rebalancer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/blnkfinance/rebalancer/database"
	"github.com/blnkfinance/rebalancer/database/mocks"
	"github.com/blnkfinance/rebalancer/internal/execerror"
	"github.com/blnkfinance/rebalancer/model"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// memExecutionRepo mirrors the SQL repository: a unique key on insert and
// WHERE-clause compare-and-swap on every update.
type memExecutionRepo struct {
	mu      sync.Mutex
	rows    map[model.ExecutionKey]*model.ExecutionEntry
	nextID  int64
	getErr  error
	inserts int
}

func newMemExecutionRepo() *memExecutionRepo {
	return &memExecutionRepo{rows: map[model.ExecutionKey]*model.ExecutionEntry{}}
}

func (r *memExecutionRepo) InsertExecution(_ context.Context, entry *model.ExecutionEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inserts++
	if _, ok := r.rows[entry.Key()]; ok {
		return database.ErrDuplicateExecution
	}
	r.nextID++
	entry.ID = r.nextID
	row := *entry
	r.rows[entry.Key()] = &row
	return nil
}

func (r *memExecutionRepo) GetExecution(_ context.Context, key model.ExecutionKey) (*model.ExecutionEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getErr != nil {
		return nil, r.getErr
	}
	row, ok := r.rows[key]
	if !ok {
		return nil, database.ErrExecutionNotFound
	}
	out := *row
	return &out, nil
}

func (r *memExecutionRepo) ReacquireExecution(_ context.Context, current *model.ExecutionEntry, payloadHash string, startedAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[current.Key()]
	if !ok || row.ID != current.ID || row.Status != current.Status || row.AttemptCount != current.AttemptCount || !row.StartedAt.Equal(current.StartedAt) {
		return false, nil
	}
	row.Status = model.ExecutionProcessing
	row.AttemptCount++
	row.PayloadHash = payloadHash
	row.StartedAt = startedAt
	row.FinishedAt = nil
	row.Error = ""
	return true, nil
}

func (r *memExecutionRepo) HeartbeatExecution(_ context.Context, key model.ExecutionKey, attemptCount int, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[key]
	if !ok || row.Status != model.ExecutionProcessing || row.AttemptCount != attemptCount {
		return false, nil
	}
	row.StartedAt = at
	return true, nil
}

func (r *memExecutionRepo) FinishExecution(_ context.Context, key model.ExecutionKey, attemptCount int, status model.ExecutionStatus, errMsg string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[key]
	if !ok || row.Status != model.ExecutionProcessing || row.AttemptCount != attemptCount {
		return false, nil
	}
	row.Status = status
	row.Error = errMsg
	row.FinishedAt = &at
	return true, nil
}

func (r *memExecutionRepo) row(key model.ExecutionKey) model.ExecutionEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.rows[key]
}

func newTestKey() model.ExecutionKey {
	runID := model.GenerateUUIDWithSuffix("run")
	userID := gofakeit.UUID()
	return model.ExecutionKey{Module: model.ModuleAllocation, MessageKey: model.MessageKeyFor(runID, userID), UserID: userID}
}

func acquireRequest(key model.ExecutionKey) AcquireRequest {
	now := time.Now().UTC()
	return AcquireRequest{Key: key, PayloadHash: "hash-1", GeneratedAt: now, ExpiresAt: now.Add(time.Hour)}
}

func TestAcquire_FirstDelivery(t *testing.T) {
	repo := newMemExecutionRepo()
	ledger := NewExecutionLedger(repo, 5*time.Minute)
	key := newTestKey()

	got, err := ledger.Acquire(context.Background(), acquireRequest(key))

	require.NoError(t, err)
	assert.Equal(t, Acquisition{Acquired: true, Status: model.ExecutionProcessing, AttemptCount: 1}, got)
	row := repo.row(key)
	assert.Equal(t, model.ExecutionProcessing, row.Status)
	assert.Equal(t, 0, row.StartedAt.Nanosecond()%1000, "started_at must be truncated to microseconds")
}

func TestAcquire_ConcurrentFirstDelivery(t *testing.T) {
	repo := newMemExecutionRepo()
	ledger := NewExecutionLedger(repo, 5*time.Minute)
	key := newTestKey()

	const workers = 16
	results := make([]Acquisition, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = ledger.Acquire(context.Background(), acquireRequest(key))
		}(i)
	}
	close(start)
	wg.Wait()

	winners := 0
	for i := range results {
		require.NoError(t, errs[i])
		if results[i].Acquired {
			winners++
			assert.Equal(t, 1, results[i].AttemptCount)
			continue
		}
		assert.Equal(t, model.ExecutionProcessing, results[i].Status)
	}
	assert.Equal(t, 1, winners)
}

func TestAcquire_ProcessingNotStaleIsBusy(t *testing.T) {
	repo := newMemExecutionRepo()
	ledger := NewExecutionLedger(repo, 5*time.Minute)
	key := newTestKey()

	_, err := ledger.Acquire(context.Background(), acquireRequest(key))
	require.NoError(t, err)

	got, err := ledger.Acquire(context.Background(), acquireRequest(key))
	require.NoError(t, err)
	assert.False(t, got.Acquired)
	assert.Equal(t, model.ExecutionProcessing, got.Status)
	assert.Equal(t, 1, repo.row(key).AttemptCount)
}

func TestAcquire_StaleProcessingReclaimedOnce(t *testing.T) {
	repo := newMemExecutionRepo()
	ledger := NewExecutionLedger(repo, 5*time.Minute)
	key := newTestKey()

	_, err := ledger.Acquire(context.Background(), acquireRequest(key))
	require.NoError(t, err)

	ledger.now = func() time.Time { return time.Now().Add(6 * time.Minute) }

	const workers = 8
	results := make([]Acquisition, workers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			got, err := ledger.Acquire(context.Background(), acquireRequest(key))
			assert.NoError(t, err)
			results[i] = got
		}(i)
	}
	close(start)
	wg.Wait()

	winners := 0
	for _, got := range results {
		if got.Acquired {
			winners++
			assert.Equal(t, 2, got.AttemptCount)
			continue
		}
		assert.Equal(t, model.ExecutionProcessing, got.Status)
	}
	assert.Equal(t, 1, winners)
	assert.Equal(t, 2, repo.row(key).AttemptCount)
}

func TestAcquire_ExpiredProcessingIsStale(t *testing.T) {
	repo := newMemExecutionRepo()
	ledger := NewExecutionLedger(repo, time.Hour)
	key := newTestKey()

	req := acquireRequest(key)
	req.ExpiresAt = time.Now().UTC().Add(time.Second)
	_, err := ledger.Acquire(context.Background(), req)
	require.NoError(t, err)

	ledger.now = func() time.Time { return time.Now().Add(time.Minute) }
	got, err := ledger.Acquire(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, got.Acquired)
	assert.Equal(t, 2, got.AttemptCount)
}

func TestAcquire_RetryableFailedIsReclaimed(t *testing.T) {
	repo := newMemExecutionRepo()
	ledger := NewExecutionLedger(repo, 5*time.Minute)
	key := newTestKey()

	first, err := ledger.Acquire(context.Background(), acquireRequest(key))
	require.NoError(t, err)
	ok, err := ledger.MarkRetryableFailed(context.Background(), key, first.AttemptCount, "exchange timeout")
	require.NoError(t, err)
	require.True(t, ok)

	req := acquireRequest(key)
	req.PayloadHash = "hash-2"
	got, err := ledger.Acquire(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, got.Acquired)
	assert.Equal(t, 2, got.AttemptCount)

	row := repo.row(key)
	assert.Equal(t, "hash-2", row.PayloadHash)
	assert.Empty(t, row.Error)
	assert.Nil(t, row.FinishedAt)
}

func TestAcquire_TerminalStatusIsNeverReopened(t *testing.T) {
	statuses := []model.ExecutionStatus{
		model.ExecutionSucceeded,
		model.ExecutionNonRetryableFailed,
		model.ExecutionStaleSkipped,
		model.ExecutionDuplicate,
	}
	for _, status := range statuses {
		t.Run(string(status), func(t *testing.T) {
			repo := newMemExecutionRepo()
			ledger := NewExecutionLedger(repo, 5*time.Minute)
			key := newTestKey()

			first, err := ledger.Acquire(context.Background(), acquireRequest(key))
			require.NoError(t, err)
			ok, err := ledger.finish(context.Background(), key, first.AttemptCount, status, "")
			require.NoError(t, err)
			require.True(t, ok)

			ledger.now = func() time.Time { return time.Now().Add(24 * time.Hour) }
			got, err := ledger.Acquire(context.Background(), acquireRequest(key))
			require.NoError(t, err)
			assert.False(t, got.Acquired)
			assert.Equal(t, status, got.Status)
			assert.Equal(t, status, repo.row(key).Status)
		})
	}
}

func TestMarkSucceeded_SupersededAttemptIsNoop(t *testing.T) {
	repo := newMemExecutionRepo()
	ledger := NewExecutionLedger(repo, 5*time.Minute)
	key := newTestKey()

	_, err := ledger.Acquire(context.Background(), acquireRequest(key))
	require.NoError(t, err)

	// a second worker reclaims the stale attempt
	ledger.now = func() time.Time { return time.Now().Add(10 * time.Minute) }
	second, err := ledger.Acquire(context.Background(), acquireRequest(key))
	require.NoError(t, err)
	require.True(t, second.Acquired)

	ok, err := ledger.MarkSucceeded(context.Background(), key, 1)
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, model.ExecutionProcessing, repo.row(key).Status)

	ok, err = ledger.MarkSucceeded(context.Background(), key, second.AttemptCount)
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, model.ExecutionSucceeded, repo.row(key).Status)
}

func TestHeartbeatProcessing(t *testing.T) {
	repo := newMemExecutionRepo()
	ledger := NewExecutionLedger(repo, 5*time.Minute)
	key := newTestKey()

	_, err := ledger.Acquire(context.Background(), acquireRequest(key))
	require.NoError(t, err)
	before := repo.row(key).StartedAt

	later := time.Now().Add(4 * time.Minute)
	ledger.now = func() time.Time { return later }
	require.NoError(t, ledger.HeartbeatProcessing(context.Background(), key, 1))
	assert.True(t, repo.row(key).StartedAt.After(before))

	// the refreshed attempt is not stale three minutes later
	ledger.now = func() time.Time { return later.Add(3 * time.Minute) }
	got, err := ledger.Acquire(context.Background(), acquireRequest(key))
	require.NoError(t, err)
	assert.False(t, got.Acquired)

	assert.NoError(t, ledger.HeartbeatProcessing(context.Background(), key, 7))
}

func TestAcquire_FailsClosedOnStoreError(t *testing.T) {
	repo := newMemExecutionRepo()
	repo.getErr = errors.New("connection refused")
	ledger := NewExecutionLedger(repo, 5*time.Minute)

	got, err := ledger.Acquire(context.Background(), acquireRequest(newTestKey()))

	assert.Error(t, err)
	assert.False(t, got.Acquired)
	assert.Equal(t, execerror.KindRetryable, execerror.Classify(err))
	assert.Zero(t, repo.inserts)
}

func TestAcquire_InsertRaceReReadsWinner(t *testing.T) {
	ds := new(mocks.MockDataSource)
	ledger := NewExecutionLedger(ds, 5*time.Minute)
	key := newTestKey()
	winner := &model.ExecutionEntry{
		ID: 1, Module: key.Module, MessageKey: key.MessageKey, UserID: key.UserID,
		Status: model.ExecutionSucceeded, AttemptCount: 1, StartedAt: time.Now().UTC(),
	}

	ds.On("GetExecution", mock.Anything, key).Return(nil, database.ErrExecutionNotFound).Once()
	ds.On("InsertExecution", mock.Anything, mock.AnythingOfType("*model.ExecutionEntry")).Return(database.ErrDuplicateExecution).Once()
	ds.On("GetExecution", mock.Anything, key).Return(winner, nil).Once()

	got, err := ledger.Acquire(context.Background(), acquireRequest(key))

	require.NoError(t, err)
	assert.False(t, got.Acquired)
	assert.Equal(t, model.ExecutionSucceeded, got.Status)
	ds.AssertExpectations(t)
	ds.AssertNotCalled(t, "ReacquireExecution", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRecordMalformed(t *testing.T) {
	repo := newMemExecutionRepo()
	ledger := NewExecutionLedger(repo, 5*time.Minute)
	key := newTestKey()

	ledger.RecordMalformed(context.Background(), key, "hash", errors.New("version: must be a valid value"))

	row := repo.row(key)
	assert.Equal(t, model.ExecutionNonRetryableFailed, row.Status)
	assert.Contains(t, row.Error, "version")

	got, err := ledger.Acquire(context.Background(), acquireRequest(key))
	require.NoError(t, err)
	assert.False(t, got.Acquired)
	assert.Equal(t, model.ExecutionNonRetryableFailed, got.Status)
}

func TestRecordMalformed_KeepsExistingRow(t *testing.T) {
	repo := newMemExecutionRepo()
	ledger := NewExecutionLedger(repo, 5*time.Minute)
	key := newTestKey()

	_, err := ledger.Acquire(context.Background(), acquireRequest(key))
	require.NoError(t, err)

	ledger.RecordMalformed(context.Background(), key, "hash", errors.New("bad inference"))
	assert.Equal(t, model.ExecutionProcessing, repo.row(key).Status)
}
