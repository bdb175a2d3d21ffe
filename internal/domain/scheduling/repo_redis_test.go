package scheduling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

func testAppointment(provider, patient, date, tm string) *Appointment {
	now := time.Now().UTC().Truncate(time.Second)
	return &Appointment{
		ID:            uuid.New(),
		ProviderRef:   provider,
		PatientRef:    patient,
		ScheduledDate: date,
		ScheduledTime: tm,
		Status:        StatusScheduled,
		RoomID:        newRoomID(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestAppointmentRepoRedis_CreateAndGet(t *testing.T) {
	_, rdb := newTestRedis(t)
	repo := NewAppointmentRepoRedis(rdb)
	ctx := context.Background()

	a := testAppointment("prov-1", "pat-1", "2025-03-01", "09:00")
	require.NoError(t, repo.Create(ctx, a))

	got, err := repo.GetByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.RoomID, got.RoomID)
	assert.Equal(t, StatusScheduled, got.Status)

	byRoom, err := repo.GetByRoomID(ctx, a.RoomID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, byRoom.ID)

	active, err := repo.FindActiveBySlot(ctx, a.Slot())
	require.NoError(t, err)
	assert.Equal(t, a.ID, active.ID)
}

func TestAppointmentRepoRedis_SlotConflict(t *testing.T) {
	_, rdb := newTestRedis(t)
	repo := NewAppointmentRepoRedis(rdb)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, testAppointment("prov-1", "pat-1", "2025-03-01", "09:00")))
	err := repo.Create(ctx, testAppointment("prov-1", "pat-2", "2025-03-01", "09:00"))
	assert.ErrorIs(t, err, ErrConflict)

	// A different time for the same provider is free.
	require.NoError(t, repo.Create(ctx, testAppointment("prov-1", "pat-2", "2025-03-01", "09:30")))
}

func TestAppointmentRepoRedis_CancelFreesSlot(t *testing.T) {
	_, rdb := newTestRedis(t)
	repo := NewAppointmentRepoRedis(rdb)
	ctx := context.Background()

	a := testAppointment("prov-1", "pat-1", "2025-03-01", "09:00")
	require.NoError(t, repo.Create(ctx, a))
	require.NoError(t, repo.UpdateStatus(ctx, a.ID, StatusScheduled, StatusCancelled, time.Now()))

	_, err := repo.FindActiveBySlot(ctx, a.Slot())
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, repo.Create(ctx, testAppointment("prov-1", "pat-2", "2025-03-01", "09:00")))
}

func TestAppointmentRepoRedis_UpdateStatusStale(t *testing.T) {
	_, rdb := newTestRedis(t)
	repo := NewAppointmentRepoRedis(rdb)
	ctx := context.Background()

	a := testAppointment("prov-1", "pat-1", "2025-03-01", "09:00")
	require.NoError(t, repo.Create(ctx, a))
	require.NoError(t, repo.UpdateStatus(ctx, a.ID, StatusScheduled, StatusInProgress, time.Now()))

	err := repo.UpdateStatus(ctx, a.ID, StatusScheduled, StatusCancelled, time.Now())
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, err := repo.GetByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, got.Status)
}

func TestAppointmentRepoRedis_NotFound(t *testing.T) {
	_, rdb := newTestRedis(t)
	repo := NewAppointmentRepoRedis(rdb)
	ctx := context.Background()

	_, err := repo.GetByID(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = repo.GetByRoomID(ctx, "room_nope")
	assert.ErrorIs(t, err, ErrNotFound)
	err = repo.UpdateStatus(ctx, uuid.New(), StatusScheduled, StatusCancelled, time.Now())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAppointmentRepoRedis_StoreUnavailable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: addr, MaxRetries: -1})
	defer rdb.Close()
	repo := NewAppointmentRepoRedis(rdb)

	_, err = repo.GetByID(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestAppointmentRepoRedis_List(t *testing.T) {
	_, rdb := newTestRedis(t)
	repo := NewAppointmentRepoRedis(rdb)
	ctx := context.Background()

	early := testAppointment("prov-1", "pat-1", "2025-03-01", "09:00")
	late := testAppointment("prov-1", "pat-2", "2025-03-02", "09:00")
	other := testAppointment("prov-2", "pat-1", "2025-03-01", "10:00")
	for _, a := range []*Appointment{early, late, other} {
		require.NoError(t, repo.Create(ctx, a))
	}
	require.NoError(t, repo.UpdateStatus(ctx, other.ID, StatusScheduled, StatusCancelled, time.Now()))

	items, total, err := repo.List(ctx, ListFilter{ProviderRef: "prov-1"}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, items, 2)
	assert.Equal(t, late.ID, items[0].ID, "newest scheduled first")

	items, total, err = repo.List(ctx, ListFilter{PatientRef: "pat-1"}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, items, 2)

	items, total, err = repo.List(ctx, ListFilter{Status: StatusCancelled}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, items, 1)
	assert.Equal(t, other.ID, items[0].ID)

	items, total, err = repo.List(ctx, ListFilter{}, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, items, 1)
}

// failingWrites makes MULTI blocks and DEL fail while armed, the way a
// dropped connection or an expired request deadline would.
type failingWrites struct{ armed atomic.Bool }

func (h *failingWrites) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *failingWrites) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if h.armed.Load() && cmd.Name() == "del" {
			return errors.New("connection reset by peer")
		}
		return next(ctx, cmd)
	}
}

func (h *failingWrites) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		if h.armed.Load() {
			for _, cmd := range cmds {
				if cmd.Name() == "multi" || cmd.Name() == "zadd" {
					return errors.New("connection reset by peer")
				}
			}
		}
		return next(ctx, cmds)
	}
}

func TestAppointmentRepoRedis_FailedCreateLeavesSlotBookable(t *testing.T) {
	mr, rdb := newTestRedis(t)
	hook := &failingWrites{}
	rdb.AddHook(hook)
	repo := NewAppointmentRepoRedis(rdb)
	ctx := context.Background()

	hook.armed.Store(true)
	err := repo.Create(ctx, testAppointment("prov-1", "pat-1", "2025-03-01", "09:00"))
	require.ErrorIs(t, err, ErrStoreUnavailable)
	hook.armed.Store(false)

	assert.Empty(t, mr.Keys(), "a failed create must not leave keys behind")
	_, err = repo.FindActiveBySlot(ctx, SlotKey{ProviderRef: "prov-1", Date: "2025-03-01", Time: "09:00"})
	assert.ErrorIs(t, err, ErrNotFound)

	mr.HSet(ProviderKey("prov-1"), "active", "1")
	mr.HSet(PatientKey("pat-2"), "active", "1")
	svc := NewService(repo, NewDirectoryRepoRedis(rdb), nil)
	a, err := svc.Create(ctx, CreateRequest{ProviderRef: "prov-1", PatientRef: "pat-2", Date: "2025-03-01", Time: "09:00"})
	require.NoError(t, err)
	assert.Equal(t, "pat-2", a.PatientRef)
}

func TestAppointmentRepoRedis_StaleSlotKeyIsReclaimed(t *testing.T) {
	mr, rdb := newTestRedis(t)
	repo := NewAppointmentRepoRedis(rdb)
	ctx := context.Background()

	a := testAppointment("prov-1", "pat-1", "2025-03-01", "09:00")
	// Slot key naming an appointment that was never written.
	require.NoError(t, mr.Set(slotKey(a.Slot()), uuid.New().String()))

	require.NoError(t, repo.Create(ctx, a))
	active, err := repo.FindActiveBySlot(ctx, a.Slot())
	require.NoError(t, err)
	assert.Equal(t, a.ID, active.ID)

	err = repo.Create(ctx, testAppointment("prov-1", "pat-2", "2025-03-01", "09:00"))
	assert.ErrorIs(t, err, ErrConflict, "a live holder still blocks the slot")
}

func TestAppointmentRepoRedis_ConcurrentCreateSingleWinner(t *testing.T) {
	_, rdb := newTestRedis(t)
	repo := NewAppointmentRepoRedis(rdb)
	ctx := context.Background()

	var wg sync.WaitGroup
	var won, conflicted atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := repo.Create(ctx, testAppointment("prov-1", fmt.Sprintf("pat-%d", i), "2025-03-01", "09:00"))
			switch {
			case err == nil:
				won.Add(1)
			case errors.Is(err, ErrConflict):
				conflicted.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), won.Load())
	assert.Equal(t, int32(9), conflicted.Load())
	items, total, err := repo.List(ctx, ListFilter{ProviderRef: "prov-1"}, 20, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Len(t, items, 1)
}

func TestRedisKeyNamespacesDoNotCollide(t *testing.T) {
	assert.NotEqual(t, ProviderKey("p:appointments"), providerIndexKey("p"))
	assert.NotEqual(t, PatientKey("p:appointments"), patientIndexKey("p"))
	assert.NotEqual(t, ProviderKey("x"), providerIndexKey("x"))

	mr, rdb := newTestRedis(t)
	repo := NewAppointmentRepoRedis(rdb)
	ctx := context.Background()
	mr.HSet(ProviderKey("p:all"), "active", "1")
	require.NoError(t, repo.Create(ctx, testAppointment("p", "pat-1", "2025-03-01", "09:00")))

	ok, err := NewDirectoryRepoRedis(rdb).ProviderActive(ctx, "p:all")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDirectoryRepoRedis(t *testing.T) {
	mr, rdb := newTestRedis(t)
	repo := NewDirectoryRepoRedis(rdb)
	ctx := context.Background()

	mr.HSet(ProviderKey("prov-1"), "active", "1")
	mr.HSet(PatientKey("pat-1"), "active", "0")

	ok, err := repo.ProviderActive(ctx, "prov-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.PatientActive(ctx, "pat-1")
	require.NoError(t, err)
	assert.False(t, ok, "inactive patient")

	ok, err = repo.PatientActive(ctx, "pat-missing")
	require.NoError(t, err)
	assert.False(t, ok, "missing patient")
}
