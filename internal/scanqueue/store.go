package scanqueue

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"

	"ms-gatescan/internal/logger"
)

// Key layout. Sequence numbers are zero padded so lexical order is
// enqueue order.
const (
	entryPrefix   = "q/"
	indexPrefix   = "idx/"
	ticketPrefix  = "t/"
	historyPrefix = "h/"
	queueSeqKey   = "seq/queue"
	historySeqKey = "seq/history"
)

func entryKey(seq uint64) []byte { return []byte(fmt.Sprintf("%s%020d", entryPrefix, seq)) }
func indexKey(scanID string) []byte { return []byte(indexPrefix + scanID) }
func ticketKey(id string) []byte { return []byte(ticketPrefix + id) }
func historyKey(seq uint64) []byte { return []byte(fmt.Sprintf("%s%020d", historyPrefix, seq)) }

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("scanqueue: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("scanqueue: CBOR decoder initialization failed: " + err.Error())
	}
}

func encode(v any) ([]byte, error) { return encMode.Marshal(v) }

func decode(item *badger.Item, v any) error {
	return item.Value(func(val []byte) error {
		return decMode.Unmarshal(val, v)
	})
}

func putUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// Config controls the device-local badger database.
type Config struct {
	// Path is the badger directory. Ignored when InMemory is true.
	Path     string
	InMemory bool
	// SyncWrites fsyncs every commit. Keep it on for devices; scans must
	// survive power loss.
	SyncWrites bool
	DeviceID   string
	MaxRetries int
	HistoryCap int
	Logger     *logger.Logger
}

func DefaultConfig(path, deviceID string) Config {
	return Config{
		Path:       path,
		SyncWrites: true,
		DeviceID:   deviceID,
		MaxRetries: 10,
		HistoryCap: 100,
	}
}

func openBadger(cfg Config) (*badger.DB, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent queue")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create queue directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return db, nil
}
