package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/joelklabo/autoblog/internal/core"
)

var (
	bucketPosts       = []byte("posts")
	bucketFeedItems   = []byte("feed_items")
	bucketFeedSources = []byte("feed_sources")
	bucketAutomations = []byte("automations")
	bucketEvents      = []byte("events")
	bucketSettings    = []byte("settings")
)

// eventMaxEntries bounds the event log; older entries are dropped on append.
var eventMaxEntries = 1000

// Store wraps a BoltDB instance holding posts, feeds, automations, the event
// log and a few settings.
type Store struct {
	db *bolt.DB
}

var _ core.Store = (*Store)(nil)

// New opens (or creates) the database at the given path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketPosts, bucketFeedItems, bucketFeedSources, bucketAutomations, bucketEvents, bucketSettings} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying DB handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// InsertPost appends a post and returns its ID. Posts are never rewritten.
func (s *Store) InsertPost(post core.BlogPost) (uint64, error) {
	var id uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPosts)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		post.ID = seq
		if post.CreatedAt.IsZero() {
			post.CreatedAt = time.Now().UTC()
		}
		data, err := json.Marshal(post)
		if err != nil {
			return err
		}
		id = seq
		return b.Put(itob(seq), data)
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// RecentPosts returns up to limit posts, newest first.
func (s *Store) RecentPosts(limit int) ([]core.BlogPost, error) {
	var out []core.BlogPost
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketPosts).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var p core.BlogPost
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			out = append(out, p)
		}
		return nil
	})
	return out, err
}

func feedItemKey(sourceID, guid string) []byte {
	return []byte(sourceID + "\x00" + guid)
}

// InsertFeedItem stores item unless (SourceID, GUID) is already present. The
// check and the write happen in one transaction.
func (s *Store) InsertFeedItem(item core.FeedItem) (bool, error) {
	if item.SourceID == "" || item.GUID == "" {
		return false, errors.New("feed item needs source id and guid")
	}
	data, err := json.Marshal(item)
	if err != nil {
		return false, err
	}
	var inserted bool
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFeedItems)
		key := feedItemKey(item.SourceID, item.GUID)
		if b.Get(key) != nil {
			return nil
		}
		inserted = true
		return b.Put(key, data)
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

// HasFeedItem reports whether the item was recorded.
func (s *Store) HasFeedItem(sourceID, guid string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketFeedItems).Get(feedItemKey(sourceID, guid)) != nil
		return nil
	})
	return found, err
}

func putJSON(tx *bolt.Tx, bucket []byte, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Bucket(bucket).Put([]byte(key), data)
}

// SaveFeedSource creates or replaces a source.
func (s *Store) SaveFeedSource(src core.FeedSource) error {
	if src.ID == "" {
		return errors.New("feed source id is required")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketFeedSources, src.ID, src)
	})
}

// FeedSource looks a source up by ID.
func (s *Store) FeedSource(id string) (core.FeedSource, bool, error) {
	var src core.FeedSource
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketFeedSources).Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &src)
	})
	return src, found, err
}

// ListFeedSources returns all sources ordered by creation time.
func (s *Store) ListFeedSources() ([]core.FeedSource, error) {
	var out []core.FeedSource
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFeedSources).ForEach(func(_, v []byte) error {
			var src core.FeedSource
			if err := json.Unmarshal(v, &src); err != nil {
				return err
			}
			out = append(out, src)
			return nil
		})
	})
	sortByCreated(out, func(f core.FeedSource) time.Time { return f.CreatedAt })
	return out, err
}

// SaveAutomation creates or replaces an automation.
func (s *Store) SaveAutomation(a core.Automation) error {
	if a.ID == "" {
		return errors.New("automation id is required")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketAutomations, a.ID, a)
	})
}

// UpdateAutomation replaces an existing automation.
func (s *Store) UpdateAutomation(a core.Automation) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketAutomations).Get([]byte(a.ID)) == nil {
			return fmt.Errorf("automation %s: %w", a.ID, core.ErrNotFound)
		}
		return putJSON(tx, bucketAutomations, a.ID, a)
	})
}

// ListAutomations returns all automations ordered by creation time.
func (s *Store) ListAutomations() ([]core.Automation, error) {
	var out []core.Automation
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAutomations).ForEach(func(_, v []byte) error {
			var a core.Automation
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			out = append(out, a)
			return nil
		})
	})
	sortByCreated(out, func(a core.Automation) time.Time { return a.CreatedAt })
	return out, err
}

// AppendEvent adds evt to the event log and trims it to eventMaxEntries.
func (s *Store) AppendEvent(evt core.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		if err := b.Put(itob(seq), data); err != nil {
			return err
		}
		c := b.Cursor()
		n := 0
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			n++
		}
		var stale [][]byte
		for k, _ := c.First(); k != nil && n-len(stale) > eventMaxEntries; k, _ = c.Next() {
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Events returns up to limit events, newest first.
func (s *Store) Events(limit int) ([]core.Event, error) {
	var out []core.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var evt core.Event
			if err := json.Unmarshal(v, &evt); err != nil {
				return err
			}
			out = append(out, evt)
		}
		return nil
	})
	return out, err
}

// SaveSetting stores a small string value.
func (s *Store) SaveSetting(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSettings).Put([]byte(key), []byte(value))
	})
}

// Setting returns a stored value and whether it exists.
func (s *Store) Setting(key string) (string, bool, error) {
	var val string
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSettings).Get([]byte(key))
		if v != nil {
			found = true
			val = string(v)
		}
		return nil
	})
	return val, found, err
}
