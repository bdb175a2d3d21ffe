package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	redisPrefix        = "teleconsult:"
	redisAllIndex      = redisPrefix + "index:all"
	redisWatchAttempts = 3
)

// Records, lookups, indexes and directory hashes live under distinct
// namespaces so no caller-supplied ref can make two of them collide.
func apptKey(id uuid.UUID) string        { return redisPrefix + "appointment:" + id.String() }
func roomKey(roomID string) string       { return redisPrefix + "room:" + roomID }
func slotKey(slot SlotKey) string        { return redisPrefix + "slot:" + slot.String() }
func providerIndexKey(ref string) string { return redisPrefix + "index:provider:" + ref }
func patientIndexKey(ref string) string  { return redisPrefix + "index:patient:" + ref }

// ProviderKey and PatientKey name the directory hashes. Each carries an
// "active" field ("1" or "0").
func ProviderKey(ref string) string { return redisPrefix + "directory:provider:" + ref }
func PatientKey(ref string) string  { return redisPrefix + "directory:patient:" + ref }

func mapRedisError(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{ErrNotFound, ErrConflict, ErrInvalidTransition, ErrStoreUnavailable} {
		if errors.Is(err, known) {
			return err
		}
	}
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

// slotScore orders appointments by scheduled date and time.
func slotScore(a *Appointment) float64 {
	t, err := time.Parse(DateLayout+" "+TimeLayout, a.ScheduledDate+" "+a.ScheduledTime)
	if err != nil {
		return 0
	}
	return float64(t.Unix())
}

// =========== Appointment Repository ===========

// appointmentRepoRedis stores each appointment as a JSON document. The slot
// key holds the live appointment id for its provider slot and is written in
// the same MULTI as the record, under WATCH, so two concurrent creates across
// processes cannot both win and a failed write leaves nothing behind.
type appointmentRepoRedis struct{ rdb *redis.Client }

func NewAppointmentRepoRedis(rdb *redis.Client) AppointmentRepository {
	return &appointmentRepoRedis{rdb: rdb}
}

func (r *appointmentRepoRedis) Create(ctx context.Context, a *Appointment) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode appointment: %w", err)
	}

	sk := slotKey(a.Slot())
	score := slotScore(a)
	txf := func(tx *redis.Tx) error {
		if err := r.slotTaken(ctx, tx, sk); err != nil {
			return err
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, sk, a.ID.String(), 0)
			pipe.Set(ctx, apptKey(a.ID), data, 0)
			pipe.Set(ctx, roomKey(a.RoomID), a.ID.String(), 0)
			member := redis.Z{Score: score, Member: a.ID.String()}
			pipe.ZAdd(ctx, redisAllIndex, member)
			pipe.ZAdd(ctx, providerIndexKey(a.ProviderRef), member)
			pipe.ZAdd(ctx, patientIndexKey(a.PatientRef), member)
			return nil
		})
		return err
	}

	for i := 0; i < redisWatchAttempts; i++ {
		err := r.rdb.Watch(ctx, txf, sk)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return mapRedisError(err)
	}
	return fmt.Errorf("slot %s: %w", a.Slot(), ErrConflict)
}

// slotTaken returns ErrConflict when the slot key names a live appointment.
// A key whose appointment is missing or cancelled is stale and may be
// overwritten.
func (r *appointmentRepoRedis) slotTaken(ctx context.Context, tx *redis.Tx, sk string) error {
	holder, err := tx.Get(ctx, sk).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	id, err := uuid.Parse(holder)
	if err != nil {
		return nil
	}
	if err := tx.Watch(ctx, apptKey(id)).Err(); err != nil {
		return err
	}
	data, err := tx.Get(ctx, apptKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	existing, err := decodeAppointment(data)
	if err != nil {
		return err
	}
	if existing.Status == StatusCancelled {
		return nil
	}
	return fmt.Errorf("slot %s: %w", existing.Slot(), ErrConflict)
}

func (r *appointmentRepoRedis) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	data, err := r.rdb.Get(ctx, apptKey(id)).Bytes()
	if err != nil {
		return nil, mapRedisError(err)
	}
	return decodeAppointment(data)
}

func (r *appointmentRepoRedis) GetByRoomID(ctx context.Context, roomID string) (*Appointment, error) {
	return r.getByRef(ctx, roomKey(roomID))
}

func (r *appointmentRepoRedis) FindActiveBySlot(ctx context.Context, slot SlotKey) (*Appointment, error) {
	a, err := r.getByRef(ctx, slotKey(slot))
	if err != nil {
		return nil, err
	}
	if a.Status == StatusCancelled {
		return nil, ErrNotFound
	}
	return a, nil
}

// getByRef resolves a key holding an appointment id.
func (r *appointmentRepoRedis) getByRef(ctx context.Context, key string) (*Appointment, error) {
	raw, err := r.rdb.Get(ctx, key).Result()
	if err != nil {
		return nil, mapRedisError(err)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("corrupt reference at %s: %w", key, err)
	}
	return r.GetByID(ctx, id)
}

func (r *appointmentRepoRedis) UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status, at time.Time) error {
	key := apptKey(id)
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			return mapRedisError(err)
		}
		a, err := decodeAppointment(data)
		if err != nil {
			return err
		}
		if a.Status != from {
			return fmt.Errorf("%w: status is no longer %s", ErrInvalidTransition, from)
		}
		a.Status = to
		a.UpdatedAt = at
		updated, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("encode appointment: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			if to == StatusCancelled {
				pipe.Del(ctx, slotKey(a.Slot()))
			}
			return nil
		})
		return err
	}

	for i := 0; i < redisWatchAttempts; i++ {
		err := r.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return mapRedisError(err)
	}
	return fmt.Errorf("%w: concurrent update", ErrInvalidTransition)
}

func (r *appointmentRepoRedis) List(ctx context.Context, filter ListFilter, limit, offset int) ([]*Appointment, int, error) {
	index := redisAllIndex
	switch {
	case filter.ProviderRef != "":
		index = providerIndexKey(filter.ProviderRef)
	case filter.PatientRef != "":
		index = patientIndexKey(filter.PatientRef)
	}

	ids, err := r.rdb.ZRevRange(ctx, index, 0, -1).Result()
	if err != nil {
		return nil, 0, mapRedisError(err)
	}
	if len(ids) == 0 {
		return nil, 0, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = redisPrefix + "appointment:" + id
	}
	values, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, 0, mapRedisError(err)
	}

	var matched []*Appointment
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		a, err := decodeAppointment([]byte(s))
		if err != nil {
			return nil, 0, err
		}
		if filter.ProviderRef != "" && a.ProviderRef != filter.ProviderRef {
			continue
		}
		if filter.PatientRef != "" && a.PatientRef != filter.PatientRef {
			continue
		}
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		matched = append(matched, a)
	}

	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func decodeAppointment(data []byte) (*Appointment, error) {
	var a Appointment
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decode appointment: %w", err)
	}
	return &a, nil
}

// =========== Directory Repository ===========

type directoryRepoRedis struct{ rdb *redis.Client }

func NewDirectoryRepoRedis(rdb *redis.Client) DirectoryRepository {
	return &directoryRepoRedis{rdb: rdb}
}

func (r *directoryRepoRedis) ProviderActive(ctx context.Context, ref string) (bool, error) {
	return r.active(ctx, ProviderKey(ref))
}

func (r *directoryRepoRedis) PatientActive(ctx context.Context, ref string) (bool, error) {
	return r.active(ctx, PatientKey(ref))
}

func (r *directoryRepoRedis) active(ctx context.Context, key string) (bool, error) {
	v, err := r.rdb.HGet(ctx, key, "active").Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, mapRedisError(err)
	}
	return v == "1" || v == "true", nil
}
