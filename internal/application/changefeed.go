package application

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/juju/errors"

	"github.com/testbed-io/uis/internal/domain/model"
	"github.com/testbed-io/uis/internal/domain/port/driven"
)

// sinceLayouts are tried in order. Layouts without an offset are read as UTC.
var sinceLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04Z07:00",
	"2006-01-02 15:04Z07:00",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

// lostPlus matches an offset whose "+" was decoded to a space in a query string.
var lostPlus = regexp.MustCompile(`(:\d{2}(?:\.\d+)?) (\d{2}:?\d{2})$`)

// ParseSince converts a change feed timestamp to an absolute UTC instant.
func ParseSince(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.NotValidf("empty since timestamp")
	}
	s = lostPlus.ReplaceAllString(s, "$1+$2")

	for _, layout := range sinceLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	// Offsets without a colon, e.g. "+0200".
	if t, err := time.Parse("2006-01-02T15:04:05.999999999Z0700", s); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, errors.NotValidf("since timestamp %q", s)
}

// ChangeFeed answers which keys of a category changed state since a given
// instant.
type ChangeFeed struct {
	lifecycle *LifecycleManager
	keys      driven.KeyStore
}

// NewChangeFeed creates a ChangeFeed.
func NewChangeFeed(lifecycle *LifecycleManager, keys driven.KeyStore) *ChangeFeed {
	return &ChangeFeed{lifecycle: lifecycle, keys: keys}
}

// ListChanges sweeps and then returns the keys that became active or
// inactive after since. Comments of active keys with an expiry carry the
// expiry time.
func (f *ChangeFeed) ListChanges(ctx context.Context, category model.Category, since time.Time) (model.ChangeSet, error) {
	if _, err := f.lifecycle.Sweep(ctx); err != nil {
		return model.ChangeSet{}, errors.Annotate(err, "sweep before change feed")
	}

	set, err := f.keys.ListChanges(ctx, category, since.UTC())
	if err != nil {
		return model.ChangeSet{}, errors.Annotate(err, "list key changes")
	}

	for i := range set.Activated {
		key := &set.Activated[i].Key
		if key.ExpiresAt != nil {
			key.Comment = ExpiringComment(key.Comment, *key.ExpiresAt)
		}
	}
	return set, nil
}

// ExpiringComment appends the expiry time to a key comment.
func ExpiringComment(comment string, expiresAt time.Time) string {
	suffix := fmt.Sprintf("(expires %s)", expiresAt.UTC().Format(time.RFC3339))
	if comment == "" {
		return suffix
	}
	return comment + " " + suffix
}
