package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

var ErrDocumentNotFound = errors.New("document not found")

// DocumentSnapshot is the persistent record of one document.
// Content is an opaque tree passed through unmodified by this subsystem.
type DocumentSnapshot struct {
	DocumentId Id              `json:"document_id"`
	Content    json.RawMessage `json:"content"`
	// room version, advanced by every confirmed diff
	Version int64 `json:"version"`
	// version the content reflects. trails Version when the applier does
	// not materialize steps; doc_data bridges the gap with trailing diffs
	ContentVersion int64     `json:"content_version"`
	Title          string    `json:"title,omitempty"`
	Updated        time.Time `json:"updated"`
}

func (self *DocumentSnapshot) Clone() *DocumentSnapshot {
	clone := *self
	return &clone
}

// DocumentStore supplies the initial snapshot for a room and accepts
// write-behind saves. Not every confirmed diff is flushed; see RoomSettings.
type DocumentStore interface {
	Load(ctx context.Context, documentId Id) (*DocumentSnapshot, error)
	Save(ctx context.Context, snapshot *DocumentSnapshot, updatedBy Id) error
}

// PgDocumentStore reads and writes the platform `pages` table.
type PgDocumentStore struct {
	pool *pgxpool.Pool
}

func NewPgDocumentStore(ctx context.Context, databaseUrl string) (*PgDocumentStore, error) {
	pool, err := pgxpool.New(ctx, databaseUrl)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &PgDocumentStore{
		pool: pool,
	}, nil
}

func (self *PgDocumentStore) Load(ctx context.Context, documentId Id) (*DocumentSnapshot, error) {
	snapshot := &DocumentSnapshot{
		DocumentId: documentId,
	}
	var content []byte
	err := self.pool.QueryRow(
		ctx,
		`SELECT content, version, COALESCE(title, ''), updated_at
			FROM pages WHERE id = $1`,
		documentId.String(),
	).Scan(&content, &snapshot.Version, &snapshot.Title, &snapshot.Updated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDocumentNotFound
		}
		return nil, err
	}
	if len(content) == 0 {
		// pages are created before first edit with null content
		content = []byte(`{"type":"doc","content":[]}`)
	}
	snapshot.Content = content
	// the stored record is materialized
	snapshot.ContentVersion = snapshot.Version
	return snapshot, nil
}

func (self *PgDocumentStore) Save(ctx context.Context, snapshot *DocumentSnapshot, updatedBy Id) error {
	var tag pgconn.CommandTag
	var err error
	if snapshot.ContentVersion == snapshot.Version {
		tag, err = self.pool.Exec(
			ctx,
			`UPDATE pages
				SET content = $2, version = $3, title = COALESCE(NULLIF($4, ''), title),
					updated_at = $5, updated_by = $6
				WHERE id = $1`,
			snapshot.DocumentId.String(),
			[]byte(snapshot.Content),
			snapshot.Version,
			snapshot.Title,
			snapshot.Updated,
			updatedBy.String(),
		)
	} else {
		// content trails the version; an external writer owns the
		// materialized record. advance the bookkeeping only
		tag, err = self.pool.Exec(
			ctx,
			`UPDATE pages
				SET version = $2, title = COALESCE(NULLIF($3, ''), title),
					updated_at = $4, updated_by = $5
				WHERE id = $1`,
			snapshot.DocumentId.String(),
			snapshot.Version,
			snapshot.Title,
			snapshot.Updated,
			updatedBy.String(),
		)
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDocumentNotFound
	}
	return nil
}

func (self *PgDocumentStore) Close() {
	self.pool.Close()
}

type CachedDocumentStoreSettings struct {
	KeyPrefix string        `yaml:"key_prefix"`
	Ttl       time.Duration `yaml:"ttl"`
}

func DefaultCachedDocumentStoreSettings() *CachedDocumentStoreSettings {
	return &CachedDocumentStoreSettings{
		KeyPrefix: "collab:doc:",
		Ttl:       10 * time.Minute,
	}
}

// CachedDocumentStore fronts a backing store with a redis snapshot cache.
// Cache errors degrade to the backing store and never fail a load or save.
type CachedDocumentStore struct {
	store    DocumentStore
	client   *redis.Client
	settings *CachedDocumentStoreSettings
}

func NewCachedDocumentStoreWithDefaults(store DocumentStore, client *redis.Client) *CachedDocumentStore {
	return NewCachedDocumentStore(store, client, DefaultCachedDocumentStoreSettings())
}

func NewCachedDocumentStore(store DocumentStore, client *redis.Client, settings *CachedDocumentStoreSettings) *CachedDocumentStore {
	return &CachedDocumentStore{
		store:    store,
		client:   client,
		settings: settings,
	}
}

func (self *CachedDocumentStore) key(documentId Id) string {
	return fmt.Sprintf("%s%s", self.settings.KeyPrefix, documentId)
}

func (self *CachedDocumentStore) Load(ctx context.Context, documentId Id) (*DocumentSnapshot, error) {
	cached, err := self.client.Get(ctx, self.key(documentId)).Bytes()
	if err == nil {
		snapshot := &DocumentSnapshot{}
		if err := json.Unmarshal(cached, snapshot); err == nil {
			glog.V(2).Infof("[store]cache hit %s v%d\n", documentId, snapshot.Version)
			return snapshot, nil
		}
		// unreadable entry, fall through to the backing store
	} else if !errors.Is(err, redis.Nil) {
		glog.V(1).Infof("[store]cache read error %s = %s\n", documentId, err)
	}

	snapshot, err := self.store.Load(ctx, documentId)
	if err != nil {
		return nil, err
	}
	self.put(ctx, snapshot)
	return snapshot, nil
}

func (self *CachedDocumentStore) Save(ctx context.Context, snapshot *DocumentSnapshot, updatedBy Id) error {
	if err := self.store.Save(ctx, snapshot, updatedBy); err != nil {
		return err
	}
	self.put(ctx, snapshot)
	return nil
}

func (self *CachedDocumentStore) put(ctx context.Context, snapshot *DocumentSnapshot) {
	value, err := json.Marshal(snapshot)
	if err != nil {
		return
	}
	if err := self.client.Set(ctx, self.key(snapshot.DocumentId), value, self.settings.Ttl).Err(); err != nil {
		glog.V(1).Infof("[store]cache write error %s = %s\n", snapshot.DocumentId, err)
	}
}

// MemoryDocumentStore is for tests and single-node development.
type MemoryDocumentStore struct {
	stateLock sync.Mutex
	snapshots map[Id]*DocumentSnapshot
}

func NewMemoryDocumentStore() *MemoryDocumentStore {
	return &MemoryDocumentStore{
		snapshots: map[Id]*DocumentSnapshot{},
	}
}

func (self *MemoryDocumentStore) Put(snapshot *DocumentSnapshot) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.snapshots[snapshot.DocumentId] = snapshot.Clone()
}

func (self *MemoryDocumentStore) Load(ctx context.Context, documentId Id) (*DocumentSnapshot, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	snapshot, ok := self.snapshots[documentId]
	if !ok {
		return nil, ErrDocumentNotFound
	}
	return snapshot.Clone(), nil
}

func (self *MemoryDocumentStore) Save(ctx context.Context, snapshot *DocumentSnapshot, updatedBy Id) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if _, ok := self.snapshots[snapshot.DocumentId]; !ok {
		return ErrDocumentNotFound
	}
	self.snapshots[snapshot.DocumentId] = snapshot.Clone()
	return nil
}
