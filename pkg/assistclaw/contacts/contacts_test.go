package contacts

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/assistclaw/pkg/assistclaw/database"
	"github.com/jholhewres/assistclaw/pkg/assistclaw/dispatch"
)

type fakeRemote struct {
	contacts  []dispatch.Contact
	searchErr error
	listErr   error
	searches  int
}

func (f *fakeRemote) Search(_ context.Context, query string, limit int) ([]dispatch.Contact, error) {
	f.searches++
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	var out []dispatch.Contact
	for _, c := range f.contacts {
		if len(out) < limit && regexp.MustCompile(`(?i)`+regexp.QuoteMeta(query)).MatchString(c.Name) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeRemote) List(context.Context) ([]dispatch.Contact, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.contacts, nil
}

func newCache(t *testing.T) *Cache {
	t.Helper()
	db, err := database.Open(context.Background(), database.Config{Path: filepath.Join(t.TempDir(), "contacts.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	c := NewCache(db.DB)
	base := time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)
	tick := 0
	c.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return c
}

var (
	ana   = dispatch.Contact{ResourceName: "people/1", Name: "Ana Souza", Email: "Ana@Example.com", Phone: "+5511999990000"}
	anabe = dispatch.Contact{ResourceName: "people/2", Name: "Anabela Reis", Email: "anabela@example.com"}
	joana = dispatch.Contact{ResourceName: "people/3", Name: "Joana", Email: "joana@example.com", Organization: "ACME"}
)

func TestCacheSearchOrdering(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()
	_, err := c.Upsert(ctx, []dispatch.Contact{joana, anabe, ana})
	require.NoError(t, err)

	got, err := c.Search(ctx, "ana", 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "Ana Souza", got[0].Name)
	assert.Equal(t, "Anabela Reis", got[1].Name)
	assert.Equal(t, "Joana", got[2].Name)
	assert.Equal(t, "ana@example.com", got[0].Email)

	got, err = c.Search(ctx, "joana@", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ACME", got[0].Organization)

	got, err = c.Search(ctx, "%", 10)
	require.NoError(t, err)
	assert.Empty(t, got)

	n, err := c.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestDirectorySearchRemoteFirst(t *testing.T) {
	c := newCache(t)
	remote := &fakeRemote{contacts: []dispatch.Contact{ana}}
	d := NewDirectory(remote, c, nil)
	ctx := context.Background()

	got, err := d.Search(ctx, "ana", 5)
	require.NoError(t, err)
	require.Len(t, got, 1)

	cached, err := c.Search(ctx, "ana", 5)
	require.NoError(t, err)
	assert.Len(t, cached, 1, "remote results are written back")
}

func TestDirectoryFallsBackToCache(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()
	_, err := c.Upsert(ctx, []dispatch.Contact{joana})
	require.NoError(t, err)

	limited := dispatch.NewError(dispatch.ServiceContacts, dispatch.KindRateLimit, errors.New("429"))
	d := NewDirectory(&fakeRemote{searchErr: limited}, c, nil)

	got, err := d.Search(ctx, "joana", 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Joana", got[0].Name)

	_, err = d.Search(ctx, "nobody", 5)
	require.Error(t, err)
	assert.Equal(t, dispatch.KindRateLimit, dispatch.KindOf(err))
}

func TestDirectoryWithoutRemote(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()
	_, err := c.Upsert(ctx, []dispatch.Contact{ana})
	require.NoError(t, err)

	d := NewDirectory(nil, c, nil)
	got, err := d.Search(ctx, "souza", 5)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	_, err = d.Sync(ctx)
	assert.ErrorIs(t, err, dispatch.ErrNotConfigured)
}

func TestSyncPrunesRemovedContacts(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()
	remote := &fakeRemote{contacts: []dispatch.Contact{ana, anabe, joana}}
	d := NewDirectory(remote, c, nil)

	n, err := d.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	remote.contacts = []dispatch.Contact{ana}
	n, err = d.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	count, last, err := d.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	require.NotNil(t, last)
	assert.Equal(t, 1, last.Fetched)
	assert.Empty(t, last.Error)
	assert.GreaterOrEqual(t, d.Age(ctx), time.Duration(0))
}

func TestSyncFailureIsRecorded(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()
	_, err := c.Upsert(ctx, []dispatch.Contact{joana})
	require.NoError(t, err)

	d := NewDirectory(&fakeRemote{listErr: errors.New("boom")}, c, nil)
	_, err = d.Sync(ctx)
	require.Error(t, err)

	last, err := c.LastSync(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Contains(t, last.Error, "boom")
	assert.Equal(t, time.Duration(-1), d.Age(ctx))

	n, err := c.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "a failed sync keeps the cache")
}

func TestUpsertRollsBackOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(regexp.QuoteMeta("INSERT INTO contacts"))
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(1, 1))
	prep.ExpectExec().WillReturnError(errors.New("database is locked"))
	mock.ExpectRollback()

	c := NewCache(db)
	_, err = c.Upsert(context.Background(), []dispatch.Contact{ana, joana})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "people/3")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSearchQueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT resource_name").WillReturnError(errors.New("no such table: contacts"))

	d := NewDirectory(nil, NewCache(db), nil)
	_, err = d.Search(context.Background(), "ana", 5)
	require.Error(t, err)
	assert.Equal(t, dispatch.KindUnknown, dispatch.KindOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}
