package store

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/dhcgn/mail-relay/model"

	relayerrors "github.com/dhcgn/mail-relay/errors"
)

const (
	recordExt     = ".json"
	tempPattern   = ".record-*.tmp"
	tokenBytes    = 16
	staleTempAge  = time.Hour
	sweepFlightID = "sweep"
)

// HeadroomChecker is the pre-flight gate consulted before every write.
type HeadroomChecker interface {
	HasHeadroom() bool
}

// Options configures a Store.
type Options struct {
	// Dir is the directory holding one file per record.
	Dir string
	// MaxAge is the retention window measured from StoredAt.
	MaxAge time.Duration
	// MaxSize is the soft byte budget enforced by the capacity sweep.
	MaxSize int64
}

// Store is a file-backed message store with lazy eviction.
type Store struct {
	dir     string
	maxAge  time.Duration
	maxSize int64
	guard   HeadroomChecker
	logger  *slog.Logger
	now     func() time.Time

	sweeps singleflight.Group
}

// SweepResult summarizes one cleanup sweep.
type SweepResult struct {
	Expired        int
	Evicted        int
	Skipped        int
	Remaining      int
	RemainingBytes int64
}

// LogAttrs returns the result as slog key/value pairs.
func (r SweepResult) LogAttrs() []any {
	return []any{
		"expired", r.Expired,
		"evicted", r.Evicted,
		"skipped", r.Skipped,
		"remaining", r.Remaining,
		"remainingBytes", r.RemainingBytes,
	}
}

// New creates the storage directory if needed and returns a Store.
// guard may be nil, in which case every write is admitted.
func New(opts Options, guard HeadroomChecker, logger *slog.Logger) (*Store, error) {
	if strings.TrimSpace(opts.Dir) == "" {
		return nil, fmt.Errorf("%w: storage directory is empty", relayerrors.ErrStoreConfigInvalid)
	}
	if opts.MaxAge < 0 {
		return nil, fmt.Errorf("%w: max age must not be negative", relayerrors.ErrStoreConfigInvalid)
	}
	if opts.MaxSize <= 0 {
		return nil, fmt.Errorf("%w: max size must be positive", relayerrors.ErrStoreConfigInvalid)
	}
	if err := os.MkdirAll(opts.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Store{
		dir:     filepath.Clean(opts.Dir),
		maxAge:  opts.MaxAge,
		maxSize: opts.MaxSize,
		guard:   guard,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// WithClock replaces the wall clock used for StoredAt and age checks.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Dir returns the storage directory.
func (s *Store) Dir() string {
	return s.dir
}

// Store persists a copy of content and returns its id and capability token.
// Empty metadata fields are filled from content. The token is only ever
// returned here; it is not logged.
func (s *Store) Store(ctx context.Context, content model.Content, metadata model.Metadata) (string, string, error) {
	if err := ctx.Err(); err != nil {
		return "", "", err
	}

	if s.guard != nil && !s.guard.HasHeadroom() {
		return "", "", relayerrors.ErrInsufficientSpace
	}

	if _, err := s.Sweep(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", "", ctxErr
		}
		s.logger.Warn("cleanup sweep failed", "dir", s.dir, "err", err)
	}

	token, err := newToken()
	if err != nil {
		return "", "", fmt.Errorf("generate token: %w", err)
	}

	record := model.StoredMessage{
		ID:        uuid.NewString(),
		AuthToken: token,
		StoredAt:  s.now().UTC(),
		Metadata:  completeMetadata(metadata, content),
		Content:   content,
	}

	if err := s.writeRecord(record); err != nil {
		return "", "", fmt.Errorf("store email %s: %w", record.ID, err)
	}

	s.logger.Debug("stored email", "id", record.ID, "subject", record.Metadata.Subject)
	return record.ID, record.AuthToken, nil
}

// Retrieve returns the record for id when token matches. Existence is
// checked first: an unknown id is ErrNotFound whatever the token, a known
// id with the wrong token is ErrUnauthorized.
func (s *Store) Retrieve(ctx context.Context, id, token string) (model.StoredMessage, error) {
	if err := ctx.Err(); err != nil {
		return model.StoredMessage{}, err
	}

	path, ok := s.recordPath(id)
	if !ok {
		return model.StoredMessage{}, relayerrors.ErrNotFound
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return model.StoredMessage{}, relayerrors.ErrNotFound
		}
		return model.StoredMessage{}, fmt.Errorf("read email %s: %w", id, err)
	}

	var record model.StoredMessage
	if err := json.Unmarshal(data, &record); err != nil {
		return model.StoredMessage{}, fmt.Errorf("decode email %s: %w", id, err)
	}

	if subtle.ConstantTimeCompare([]byte(record.AuthToken), []byte(token)) != 1 {
		return model.StoredMessage{}, relayerrors.ErrUnauthorized
	}

	return record, nil
}

// Usage returns the number of records and their total size in bytes.
func (s *Store) Usage(ctx context.Context) (int, int64, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, 0, fmt.Errorf("list storage directory: %w", err)
	}

	var (
		count int
		total int64
	)
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}
		if !isRecordName(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		count++
		total += info.Size()
	}
	return count, total, nil
}

func (s *Store) writeRecord(record model.StoredMessage) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	f, err := os.CreateTemp(s.dir, tempPattern)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := f.Name()

	_, err = f.Write(data)
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}

	finalPath := filepath.Join(s.dir, record.ID+recordExt)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("publish record: %w", err)
	}

	return nil
}

// recordPath maps an id to its file. Only canonical UUIDs are accepted so an
// id can never name a path outside the storage directory.
func (s *Store) recordPath(id string) (string, bool) {
	parsed, err := uuid.Parse(id)
	if err != nil || parsed.String() != id {
		return "", false
	}
	return filepath.Join(s.dir, id+recordExt), true
}

func isRecordName(name string) bool {
	return strings.HasSuffix(name, recordExt) && !strings.HasPrefix(name, ".")
}

func newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func completeMetadata(metadata model.Metadata, content model.Content) model.Metadata {
	if metadata.From == "" {
		metadata.From = content.From
	}
	if metadata.Subject == "" {
		metadata.Subject = content.Subject
	}
	if metadata.Date.IsZero() {
		metadata.Date = content.Date
	}
	return metadata
}
