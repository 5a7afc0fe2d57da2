package domain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/armorclaw/errorhub/pkg/logger"
)

// Key layout:
//
//	cluster/<c>     cluster exists
//	app/<a>         application exists
//	user/<u>        user exists, value is the msgpack list of token digests
//	ca/<c>/<a>      cluster includes application
//	cu/<c>/<u>      cluster contains user
const (
	prefixCluster = "cluster/"
	prefixApp     = "app/"
	prefixUser    = "user/"
	prefixCA      = "ca/"
	prefixCU      = "cu/"
)

func clusterKey(c string) []byte { return []byte(prefixCluster + c) }
func appKey(a string) []byte { return []byte(prefixApp + a) }
func userKey(u string) []byte { return []byte(prefixUser + u) }
func caKey(c, a string) []byte { return []byte(prefixCA + c + "/" + a) }
func cuKey(c, u string) []byte { return []byte(prefixCU + c + "/" + u) }
func caPrefix(c string) []byte { return []byte(prefixCA + c + "/") }
func cuPrefix(c string) []byte { return []byte(prefixCU + c + "/") }

// BadgerConfig configures the badger membership store
type BadgerConfig struct {
	Path string

	// InMemory keeps all data in memory (tests)
	InMemory bool

	SyncWrites bool
}

// BadgerStore persists the membership graph in badger, one transaction per call
type BadgerStore struct {
	db  *badger.DB
	log *logger.Logger
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// OpenBadgerStore opens or creates a badger store
func OpenBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}

	log := logger.Global().WithComponent("domain-store")
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{logger: log.Logger})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	return &BadgerStore{db: db, log: log}, nil
}

func (s *BadgerStore) AddCluster(_ context.Context, name string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(clusterKey(name), []byte{})
	})
}

func (s *BadgerStore) RemoveCluster(_ context.Context, name string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		keys := append(keysWithPrefix(txn, caPrefix(name)), keysWithPrefix(txn, cuPrefix(name))...)
		keys = append(keys, clusterKey(name))
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) AddApplication(_ context.Context, name string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(appKey(name), []byte{})
	})
}

func (s *BadgerStore) AddUser(_ context.Context, name string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return ensureUser(txn, name)
	})
}

func (s *BadgerStore) SetUserTokens(_ context.Context, user string, tokenDigests []string) error {
	value, err := msgpack.Marshal(tokenDigests)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(userKey(user), value)
	})
}

func (s *BadgerStore) AddClusterApplication(_ context.Context, cluster, app string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(appKey(app), []byte{}); err != nil {
			return err
		}
		return txn.Set(caKey(cluster, app), []byte{})
	})
}

func (s *BadgerStore) RemoveClusterApplication(_ context.Context, cluster, app string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(caKey(cluster, app))
	})
}

func (s *BadgerStore) AddClusterUser(_ context.Context, cluster, user string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if err := ensureUser(txn, user); err != nil {
			return err
		}
		return txn.Set(cuKey(cluster, user), []byte{})
	})
}

func (s *BadgerStore) RemoveClusterUser(_ context.Context, cluster, user string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(cuKey(cluster, user))
	})
}

// Load implements Store
func (s *BadgerStore) Load(context.Context) (Snapshot, error) {
	snap := newSnapshot()

	err := s.db.View(func(txn *badger.Txn) error {
		for _, k := range keysWithPrefix(txn, []byte(prefixCluster)) {
			snap.Clusters = append(snap.Clusters, strings.TrimPrefix(string(k), prefixCluster))
		}
		for _, k := range keysWithPrefix(txn, []byte(prefixApp)) {
			snap.Applications = append(snap.Applications, strings.TrimPrefix(string(k), prefixApp))
		}

		if err := loadUsers(txn, snap.Users); err != nil {
			return err
		}

		for _, k := range keysWithPrefix(txn, []byte(prefixCA)) {
			c, a, ok := splitPair(string(k), prefixCA)
			if ok {
				snap.ClusterApplications[c] = append(snap.ClusterApplications[c], a)
			}
		}
		for _, k := range keysWithPrefix(txn, []byte(prefixCU)) {
			c, u, ok := splitPair(string(k), prefixCU)
			if ok {
				snap.ClusterUsers[c] = append(snap.ClusterUsers[c], u)
			}
		}
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}

	snap.sort()
	return snap, nil
}

// RunGC reclaims value log space; it is a no-op when there is nothing to rewrite
func (s *BadgerStore) RunGC(discardRatio float64) error {
	err := s.db.RunValueLogGC(discardRatio)
	if err == nil || errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrGCInMemoryMode) {
		return nil
	}
	s.log.Warn("badger value log GC error", slog.String("error", err.Error()))
	return err
}

// Close implements Store
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func loadUsers(txn *badger.Txn, users map[string][]string) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefixUser)

	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.ValidForPrefix(opts.Prefix); it.Next() {
		item := it.Item()
		name := strings.TrimPrefix(string(item.Key()), prefixUser)
		value, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		var digests []string
		if len(value) > 0 {
			if err := msgpack.Unmarshal(value, &digests); err != nil {
				return fmt.Errorf("decode user %s: %w", name, err)
			}
		}
		users[name] = digests
	}
	return nil
}

func ensureUser(txn *badger.Txn, name string) error {
	_, err := txn.Get(userKey(name))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return txn.Set(userKey(name), []byte{})
	}
	return err
}

func keysWithPrefix(txn *badger.Txn, prefix []byte) [][]byte {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix

	it := txn.NewIterator(opts)
	defer it.Close()

	var keys [][]byte
	for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	return keys
}

// splitPair parses "<prefix><primary>/<secondary>"; names never contain '/'
func splitPair(key, prefix string) (string, string, bool) {
	rest := strings.TrimPrefix(key, prefix)
	i := strings.IndexByte(rest, '/')
	if i <= 0 || i == len(rest)-1 {
		return "", "", false
	}
	return rest[:i], rest[i+1:], true
}
