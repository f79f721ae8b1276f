package services

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/MegaGrindStone/legal-agent-ui/internal/models"
	bolt "go.etcd.io/bbolt"
)

// BoltDB implements the session store using a BoltDB backend. Session records live in a single bucket keyed
// by session id, and each session owns a separate bucket holding its messages in order. Every session belongs
// to exactly one user, and every operation that names a session checks that ownership.
type BoltDB struct {
	db *bolt.DB

	now func() time.Time
}

var sessionsBucket = []byte("sessions")

// NewBoltDB creates a new BoltDB instance with the specified file path. It initializes the database with the
// sessions bucket and returns an error if the database cannot be opened or initialized. The database file is
// created with 0600 permissions if it doesn't exist.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return BoltDB{}, fmt.Errorf("failed to create sessions bucket: %w", err)
	}

	return BoltDB{db: db, now: time.Now}, nil
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

func messageBucketName(sessionID string) []byte {
	return []byte(fmt.Sprintf("session-%s", sessionID))
}

// messageKey keeps message keys in insertion order under BoltDB's byte-wise key ordering.
func messageKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%020d", seq))
}

// Sessions retrieves the sessions of userID, most recently updated first.
func (b BoltDB) Sessions(_ context.Context, userID string) ([]models.Session, error) {
	var sessions []models.Session
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).ForEach(func(_, v []byte) error {
			var session models.Session
			if err := json.Unmarshal(v, &session); err != nil {
				return fmt.Errorf("failed to unmarshal session: %w", err)
			}
			if session.UserID == userID {
				sessions = append(sessions, session)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	slices.SortStableFunc(sessions, func(a, b models.Session) int {
		return cmp.Compare(b.UpdatedAt.UnixNano(), a.UpdatedAt.UnixNano())
	})
	return sessions, nil
}

// Session retrieves a single session owned by userID. It returns models.ErrSessionNotFound if the session is
// missing or owned by someone else.
func (b BoltDB) Session(_ context.Context, userID, sessionID string) (models.Session, error) {
	var session models.Session
	err := b.db.View(func(tx *bolt.Tx) error {
		var err error
		session, err = ownedSession(tx, userID, sessionID)
		return err
	})
	return session, err
}

// AddSession stores a new session record and creates its message bucket. The stored id combines a sequence
// number with the session's original id, and the stored session is returned.
func (b BoltDB) AddSession(_ context.Context, session models.Session) (models.Session, error) {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(sessionsBucket)

		idPrefix, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}
		session.ID = fmt.Sprintf("%d-%s", idPrefix, session.ID)

		now := b.now()
		if session.CreatedAt.IsZero() {
			session.CreatedAt = now
		}
		session.UpdatedAt = now

		if _, err := tx.CreateBucketIfNotExists(messageBucketName(session.ID)); err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}

		return putSession(bucket, session)
	})
	if err != nil {
		return models.Session{}, err
	}
	return session, nil
}

// RenameSession changes the title of a session owned by userID.
func (b BoltDB) RenameSession(_ context.Context, userID, sessionID, title string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		session, err := ownedSession(tx, userID, sessionID)
		if err != nil {
			return err
		}
		session.Title = title
		session.UpdatedAt = b.now()
		return putSession(tx.Bucket(sessionsBucket), session)
	})
}

// DeleteSession removes a session owned by userID together with its messages.
func (b BoltDB) DeleteSession(_ context.Context, userID, sessionID string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if _, err := ownedSession(tx, userID, sessionID); err != nil {
			return err
		}
		if err := tx.DeleteBucket(messageBucketName(sessionID)); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return fmt.Errorf("failed to delete message bucket: %w", err)
		}
		return tx.Bucket(sessionsBucket).Delete([]byte(sessionID))
	})
}

// Messages retrieves all messages of the session in their stored order.
func (b BoltDB) Messages(_ context.Context, sessionID string) ([]models.Message, error) {
	var messages []models.Message
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(messageBucketName(sessionID))
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(_, v []byte) error {
			var message models.Message
			if err := json.Unmarshal(v, &message); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			messages = append(messages, message)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// SaveTurn replaces the stored messages of the session with messages and bumps the session's update time. A
// settled turn carries the full message list, including answers rewritten by regeneration, so the bucket is
// rebuilt rather than patched.
func (b BoltDB) SaveTurn(_ context.Context, sessionID string, messages []models.Message) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		sessions := tx.Bucket(sessionsBucket)
		v := sessions.Get([]byte(sessionID))
		if v == nil {
			return models.ErrSessionNotFound
		}
		var session models.Session
		if err := json.Unmarshal(v, &session); err != nil {
			return fmt.Errorf("failed to unmarshal session: %w", err)
		}

		name := messageBucketName(sessionID)
		if err := tx.DeleteBucket(name); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return fmt.Errorf("failed to clear message bucket: %w", err)
		}
		bucket, err := tx.CreateBucket(name)
		if err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}

		for _, message := range messages {
			seq, err := bucket.NextSequence()
			if err != nil {
				return fmt.Errorf("failed to get next sequence: %w", err)
			}
			v, err := json.Marshal(message)
			if err != nil {
				return fmt.Errorf("failed to marshal message: %w", err)
			}
			if err := bucket.Put(messageKey(seq), v); err != nil {
				return err
			}
		}

		session.UpdatedAt = b.now()
		return putSession(sessions, session)
	})
}

func ownedSession(tx *bolt.Tx, userID, sessionID string) (models.Session, error) {
	v := tx.Bucket(sessionsBucket).Get([]byte(sessionID))
	if v == nil {
		return models.Session{}, models.ErrSessionNotFound
	}

	var session models.Session
	if err := json.Unmarshal(v, &session); err != nil {
		return models.Session{}, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	if session.UserID != userID {
		return models.Session{}, models.ErrSessionNotFound
	}
	return session, nil
}

func putSession(bucket *bolt.Bucket, session models.Session) error {
	v, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	return bucket.Put([]byte(session.ID), v)
}
