package weblounge

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	diskEntryPrefix = "entry/"
	diskMetaPrefix  = "meta/"
)

// diskMeta is kept in memory for every stored entry and persisted next to
// it.
type diskMeta struct {
	Size     int64
	StoredAt int64
	Touched  int64
	Hash32   uint32
	Tags     []Tag
}

// diskCache is the leveldb tier. Reads go to leveldb directly. Writes are
// queued to one goroutine that folds whatever is pending into a single
// batch.
type diskCache struct {
	maxBytes int64
	db       *leveldb.DB

	mu    sync.Mutex
	metas map[string]diskMeta
	bytes int64

	queue chan func(*leveldb.Batch)
	done  chan struct{}
	// owned by run
	waiters []chan struct{}
}

// newDiskCache opens the store at path. An empty path keeps the store in
// memory.
func newDiskCache(path string, maxBytes int64) (*diskCache, error) {
	o := &opt.Options{Compression: opt.SnappyCompression}
	var (
		db  *leveldb.DB
		err error
	)
	if path == "" {
		db, err = leveldb.Open(storage.NewMemStorage(), o)
	} else {
		db, err = leveldb.OpenFile(path, o)
	}
	if err != nil {
		return nil, err
	}
	d := &diskCache{
		maxBytes: maxBytes,
		db:       db,
		metas:    map[string]diskMeta{},
		queue:    make(chan func(*leveldb.Batch), 1024),
		done:     make(chan struct{}),
	}
	if err := d.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	go d.run()
	return d, nil
}

func (d *diskCache) load() error {
	it := d.db.NewIterator(util.BytesPrefix([]byte(diskMetaPrefix)), nil)
	defer it.Release()
	for it.Next() {
		var m diskMeta
		if decodeGob(it.Value(), &m) != nil {
			continue
		}
		d.metas[strings.TrimPrefix(string(it.Key()), diskMetaPrefix)] = m
		d.bytes += m.Size
	}
	return it.Error()
}

func (d *diskCache) close() error {
	close(d.queue)
	<-d.done
	return d.db.Close()
}

func (d *diskCache) run() {
	defer close(d.done)
	for op := range d.queue {
		batch := new(leveldb.Batch)
		op(batch)
	drain:
		for {
			select {
			case next, ok := <-d.queue:
				if !ok {
					break drain
				}
				next(batch)
			default:
				break drain
			}
		}
		if batch.Len() > 0 {
			_ = d.db.Write(batch, nil)
		}
		d.evict()
		for _, w := range d.waiters {
			close(w)
		}
		d.waiters = d.waiters[:0]
	}
}

func (d *diskCache) TotalSize() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bytes
}

func (d *diskCache) KeyCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.metas)
}

func (d *diskCache) HasKey(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.metas[key]
	return ok
}

// Get reads the entry of key and marks it as used.
func (d *diskCache) Get(key string) (CacheEntry, bool) {
	d.mu.Lock()
	m, ok := d.metas[key]
	d.mu.Unlock()
	if !ok {
		return CacheEntry{}, false
	}
	b, err := d.db.Get([]byte(diskEntryPrefix+key), nil)
	if err != nil {
		return CacheEntry{}, false
	}
	var ent CacheEntry
	if decodeGob(b, &ent) != nil {
		return CacheEntry{}, false
	}
	ent.StoredAt = m.StoredAt

	now := time.Now().UnixNano()
	d.queue <- func(batch *leveldb.Batch) {
		d.mu.Lock()
		m, ok := d.metas[key]
		if ok {
			m.Touched = now
			d.metas[key] = m
		}
		d.mu.Unlock()
		if ok {
			putMeta(batch, key, m)
		}
	}
	return ent, true
}

// PutAsync queues ent for storage. An entry whose body did not change since
// it was last written only has its metadata rewritten.
func (d *diskCache) PutAsync(key string, ent CacheEntry) {
	d.queue <- func(batch *leveldb.Batch) {
		d.mu.Lock()
		old, had := d.metas[key]
		d.mu.Unlock()

		m := diskMeta{
			Size:     old.Size,
			StoredAt: ent.StoredAt,
			Touched:  time.Now().UnixNano(),
			Hash32:   ent.Hash32,
			Tags:     allTags(ent),
		}
		if !had || old.Hash32 != ent.Hash32 || old.Size == 0 {
			b, err := encodeGob(ent)
			if err != nil {
				return
			}
			m.Size = int64(len(b))
			batch.Put([]byte(diskEntryPrefix+key), b)
		}
		putMeta(batch, key, m)

		d.mu.Lock()
		d.bytes += m.Size - old.Size
		d.metas[key] = m
		d.mu.Unlock()
	}
}

func putMeta(batch *leveldb.Batch, key string, m diskMeta) {
	if b, err := encodeGob(m); err == nil {
		batch.Put([]byte(diskMetaPrefix+key), b)
	}
}

// Delete queues the removal of key.
func (d *diskCache) Delete(key string) {
	d.queue <- func(batch *leveldb.Batch) {
		d.mu.Lock()
		if m, ok := d.metas[key]; ok {
			d.bytes -= m.Size
			delete(d.metas, key)
		}
		d.mu.Unlock()
		batch.Delete([]byte(diskEntryPrefix + key))
		batch.Delete([]byte(diskMetaPrefix + key))
	}
}

// Match returns the keys whose stored tags contain all of tags.
func (d *diskCache) Match(tags []Tag) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for k, m := range d.metas {
		if containsAll(m.Tags, tags) {
			out = append(out, k)
		}
	}
	return out
}

// Sync blocks until everything queued before it is written.
func (d *diskCache) Sync() {
	ch := make(chan struct{})
	d.queue <- func(*leveldb.Batch) { d.waiters = append(d.waiters, ch) }
	<-ch
}

// evict removes the least recently used entries until the tier is a tenth
// below its budget.
func (d *diskCache) evict() {
	d.mu.Lock()
	if d.maxBytes <= 0 || d.bytes <= d.maxBytes {
		d.mu.Unlock()
		return
	}
	type aged struct {
		key     string
		touched int64
		size    int64
	}
	all := make([]aged, 0, len(d.metas))
	for k, m := range d.metas {
		all = append(all, aged{k, m.Touched, m.Size})
	}
	d.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].touched < all[j].touched })
	target := d.maxBytes - d.maxBytes/10
	batch := new(leveldb.Batch)
	d.mu.Lock()
	for _, a := range all {
		if d.bytes <= target {
			break
		}
		if _, ok := d.metas[a.key]; !ok {
			continue
		}
		delete(d.metas, a.key)
		d.bytes -= a.size
		batch.Delete([]byte(diskEntryPrefix + a.key))
		batch.Delete([]byte(diskMetaPrefix + a.key))
	}
	d.mu.Unlock()
	_ = d.db.Write(batch, nil)
}
