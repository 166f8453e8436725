package db

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"path/filepath"
	"sort"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"
)

var ErrNotFound = errors.New("store resource not found")

const (
	traceCursorKeyPrefix = 0x00
	traceDoneKeyPrefix   = 0x01
)

const skippedTicksKey = "skipped"

// PebbleStore holds local operational state: the per epoch trace cursors,
// the per epoch trace done flags and the set of ticks the upstream skipped.
// Everything in here can be rebuilt, the authoritative data lives in the
// flow tables.
type PebbleStore struct {
	db *pebble.DB
}

func NewPebbleStore(storeDir string) (*PebbleStore, error) {
	db, err := pebble.Open(filepath.Join(storeDir, "flow-tracer-internal-store"), &pebble.Options{})
	if err != nil {
		return nil, errors.Wrap(err, "opening pebble db")
	}

	return &PebbleStore{db: db}, nil
}

// SetTraceCursor stores the last tick the tracing engine processed for the
// given emission epoch.
func (ps *PebbleStore) SetTraceCursor(epoch uint32, tick uint64) error {
	key := []byte{traceCursorKeyPrefix}
	key = binary.BigEndian.AppendUint32(key, epoch)

	var value []byte
	value = binary.BigEndian.AppendUint64(value, tick)

	err := ps.db.Set(key, value, pebble.Sync)
	if err != nil {
		return errors.Wrapf(err, "setting trace cursor for epoch [%d] to [%d]", epoch, tick)
	}

	return nil
}

func (ps *PebbleStore) GetTraceCursor(epoch uint32) (uint64, error) {
	key := []byte{traceCursorKeyPrefix}
	key = binary.BigEndian.AppendUint32(key, epoch)

	value, closer, err := ps.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, errors.Wrapf(err, "getting trace cursor for epoch [%d]", epoch)
	}
	defer closer.Close()

	return binary.BigEndian.Uint64(value), nil
}

// DeleteTraceCursor removes the cursor so a replay restarts at the emission
// tick.
func (ps *PebbleStore) DeleteTraceCursor(epoch uint32) error {
	key := []byte{traceCursorKeyPrefix}
	key = binary.BigEndian.AppendUint32(key, epoch)

	err := ps.db.Delete(key, pebble.Sync)
	if err != nil {
		return errors.Wrapf(err, "deleting trace cursor for epoch [%d]", epoch)
	}
	return nil
}

// GetTraceCursorsForAllEpochs returns the cursors of every epoch the tracer
// has touched.
func (ps *PebbleStore) GetTraceCursorsForAllEpochs() (map[uint32]uint64, error) {
	lowerBound := []byte{traceCursorKeyPrefix}
	upperBound := []byte{traceCursorKeyPrefix + 1}
	iter, err := ps.db.NewIter(&pebble.IterOptions{
		LowerBound: lowerBound,
		UpperBound: upperBound,
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating iterator")
	}
	defer iter.Close()

	cursors := make(map[uint32]uint64)
	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()

		value, err := iter.ValueAndErr()
		if err != nil {
			return nil, errors.Wrap(err, "getting value from iter")
		}

		epoch := binary.BigEndian.Uint32(key[1:])
		cursors[epoch] = binary.BigEndian.Uint64(value)
	}

	return cursors, nil
}

// SetTraceDone marks an epoch as fully traced. Done epochs are skipped by the
// scheduler until a replay clears the flag.
func (ps *PebbleStore) SetTraceDone(epoch uint32, done bool) error {
	key := []byte{traceDoneKeyPrefix}
	key = binary.BigEndian.AppendUint32(key, epoch)

	if !done {
		err := ps.db.Delete(key, pebble.Sync)
		if err != nil {
			return errors.Wrapf(err, "clearing trace done flag for epoch [%d]", epoch)
		}
		return nil
	}

	err := ps.db.Set(key, []byte{1}, pebble.Sync)
	if err != nil {
		return errors.Wrapf(err, "setting trace done flag for epoch [%d]", epoch)
	}
	return nil
}

func (ps *PebbleStore) IsTraceDone(epoch uint32) (bool, error) {
	key := []byte{traceDoneKeyPrefix}
	key = binary.BigEndian.AppendUint32(key, epoch)

	_, closer, err := ps.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "getting trace done flag for epoch [%d]", epoch)
	}
	defer closer.Close()

	return true, nil
}

// AddSkippedTicks records ticks the upstream stream reported as skipped.
func (ps *PebbleStore) AddSkippedTicks(ticks []uint64) error {
	if len(ticks) == 0 {
		return nil
	}
	skippedTicks, err := ps.loadSkippedTicksSet()
	if err != nil {
		return errors.Wrap(err, "getting skipped ticks")
	}
	for _, tick := range ticks {
		skippedTicks[tick] = true
	}
	err = ps.saveSkippedTicksSet(skippedTicks)
	if err != nil {
		return errors.Wrap(err, "saving skipped ticks")
	}
	return nil
}

func (ps *PebbleStore) GetSkippedTicks() ([]uint64, error) {
	skippedTicks, err := ps.loadSkippedTicksSet()
	if err != nil {
		return nil, errors.Wrap(err, "getting skipped ticks")
	}
	tickList := make([]uint64, 0, len(skippedTicks)) // empty array is default return value
	for tick, val := range skippedTicks {
		if val {
			tickList = append(tickList, tick)
		}
	}
	sort.Slice(tickList, func(i, j int) bool { return tickList[i] < tickList[j] })
	return tickList, nil
}

func (ps *PebbleStore) saveSkippedTicksSet(set map[uint64]bool) error {
	buffer := new(bytes.Buffer)
	encoder := gob.NewEncoder(buffer)
	err := encoder.Encode(set)
	if err != nil {
		return errors.Wrap(err, "encoding set")
	}

	key := []byte(skippedTicksKey)
	err = ps.db.Set(key, buffer.Bytes(), pebble.Sync) // sync to prevent data loss. performance not important.
	if err != nil {
		return errors.Wrap(err, "saving set")
	}
	return nil
}

func (ps *PebbleStore) loadSkippedTicksSet() (map[uint64]bool, error) {
	key := []byte(skippedTicksKey)
	value, closer, err := ps.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return make(map[uint64]bool), nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "loading set")
	}
	defer closer.Close()

	var set map[uint64]bool
	decoder := gob.NewDecoder(bytes.NewReader(value))
	err = decoder.Decode(&set)
	if err != nil {
		return nil, errors.Wrap(err, "decoding set")
	}
	return set, nil
}

func (ps *PebbleStore) Close() error {
	return ps.db.Close()
}
