// Package store is the document store used by the orchestrator: JSON
// documents addressed by a type prefixed id, written with revision checks,
// plus secondary indexes from tokens and external ids to documents.
package store

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/lcpu-dev/labsched/models"
	"xorm.io/xorm"
)

var (
	ErrConflict = errors.New("conflict")
	ErrNotFound = errors.New("not_found")
)

// Doc is anything the store can persist.
type Doc interface {
	DocID() string
	DocRev() string
	SetDocRev(rev string)
	DocIndex() models.Index
}

// Raw is an undecoded document.
type Raw struct {
	ID   string
	Kind string
	Rev  string
	Body []byte
}

// Decode unmarshals the body into doc and stamps its revision. The body may
// carry the revision it was written over; the column value wins.
func (r *Raw) Decode(doc Doc) error {
	if err := json.Unmarshal(r.Body, doc); err != nil {
		return fmt.Errorf("decode %s: %w", r.ID, err)
	}
	doc.SetDocRev(r.Rev)
	return nil
}

type Store struct {
	orm *xorm.Engine
}

func New(orm *xorm.Engine) *Store {
	return &Store{orm: orm}
}

// Open connects to the database and syncs the schema.
func Open(driver, dsn string) (*Store, error) {
	orm, err := xorm.NewEngine(driver, dsn)
	if err != nil {
		return nil, err
	}
	if driver == "sqlite3" {
		// sqlite serialises writers anyway; a single connection avoids SQLITE_BUSY.
		orm.SetMaxOpenConns(1)
	}
	if err := models.Sync(orm); err != nil {
		orm.Close()
		return nil, err
	}
	return New(orm), nil
}

func (s *Store) Close() error {
	return s.orm.Close()
}

// Kind returns the type prefix of a document id.
func Kind(id string) string {
	if i := strings.IndexByte(id, '/'); i > 0 {
		return id[:i]
	}
	return id
}

func nextRev(prev string, body []byte) string {
	n := 0
	if i := strings.IndexByte(prev, '-'); i > 0 {
		n, _ = strconv.Atoi(prev[:i])
	}
	sum := md5.Sum(body)
	return strconv.Itoa(n+1) + "-" + hex.EncodeToString(sum[:])
}

func encode(doc Doc) (*models.Document, error) {
	id := doc.DocID()
	if id == "" {
		return nil, fmt.Errorf("document has no id")
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", id, err)
	}
	idx := doc.DocIndex()
	return &models.Document{
		Id:           id,
		Kind:         Kind(id),
		Body:         string(body),
		PrivateToken: idx.PrivateToken,
		PublicToken:  idx.PublicToken,
		External:     idx.External,
	}, nil
}

func toRaw(d *models.Document) *Raw {
	return &Raw{ID: d.Id, Kind: d.Kind, Rev: d.Rev, Body: []byte(d.Body)}
}

// Get loads id into doc.
func (s *Store) Get(ctx context.Context, id string, doc Doc) error {
	raw, err := s.GetRaw(ctx, id)
	if err != nil {
		return err
	}
	return raw.Decode(doc)
}

func (s *Store) GetRaw(ctx context.Context, id string) (*Raw, error) {
	d := &models.Document{}
	ok, err := s.orm.Context(ctx).Where("id = ?", id).Get(d)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return toRaw(d), nil
}

// Post creates a new document. The revision carried by doc is ignored.
// It fails with ErrConflict when the id is taken.
func (s *Store) Post(ctx context.Context, doc Doc) error {
	d, err := encode(doc)
	if err != nil {
		return err
	}
	d.Rev = nextRev("", []byte(d.Body))
	_, err = s.orm.Context(ctx).Insert(d)
	if err != nil {
		exists, existErr := s.orm.Context(ctx).Where("id = ?", d.Id).Exist(&models.Document{})
		if existErr == nil && exists {
			return fmt.Errorf("%s: %w", d.Id, ErrConflict)
		}
		return err
	}
	doc.SetDocRev(d.Rev)
	return nil
}

// Put replaces an existing document; doc must carry the current revision.
func (s *Store) Put(ctx context.Context, doc Doc) error {
	prev := doc.DocRev()
	if prev == "" {
		return fmt.Errorf("%s: missing revision: %w", doc.DocID(), ErrConflict)
	}
	d, err := encode(doc)
	if err != nil {
		return err
	}
	d.Rev = nextRev(prev, []byte(d.Body))
	affected, err := s.orm.Context(ctx).Table(&models.Document{}).
		Where("id = ? AND rev = ?", d.Id, prev).
		Update(map[string]interface{}{
			"rev":           d.Rev,
			"body":          d.Body,
			"private_token": d.PrivateToken,
			"public_token":  d.PublicToken,
			"external":      d.External,
		})
	if err != nil {
		doc.SetDocRev(prev)
		return err
	}
	if affected == 0 {
		doc.SetDocRev(prev)
		return s.missOrConflict(ctx, d.Id)
	}
	doc.SetDocRev(d.Rev)
	return nil
}

// Remove deletes id at revision rev.
func (s *Store) Remove(ctx context.Context, id, rev string) error {
	affected, err := s.orm.Context(ctx).Where("id = ? AND rev = ?", id, rev).Delete(&models.Document{})
	if err != nil {
		return err
	}
	if affected == 0 {
		return s.missOrConflict(ctx, id)
	}
	return nil
}

func (s *Store) missOrConflict(ctx context.Context, id string) error {
	exists, err := s.orm.Context(ctx).Where("id = ?", id).Exist(&models.Document{})
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%s: %w", id, ErrConflict)
	}
	return fmt.Errorf("%s: %w", id, ErrNotFound)
}

// QueryToken finds the document indexed by token, reporting whether the
// token matched its private or public key.
func (s *Store) QueryToken(ctx context.Context, token string) (*Raw, bool, error) {
	if token == "" {
		return nil, false, fmt.Errorf("empty token: %w", ErrNotFound)
	}
	d := &models.Document{}
	ok, err := s.orm.Context(ctx).Where("private_token = ? OR public_token = ?", token, token).Get(d)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, fmt.Errorf("token: %w", ErrNotFound)
	}
	return toRaw(d), d.PrivateToken == token, nil
}

// QueryExternal lists every document indexed by an external key.
func (s *Store) QueryExternal(ctx context.Context, key string) ([]*Raw, error) {
	docs := []*models.Document{}
	err := s.orm.Context(ctx).Where("external = ?", key).Asc("id").Find(&docs)
	if err != nil {
		return nil, err
	}
	return rawList(docs), nil
}

// AllDocs lists documents whose id starts with prefix, ordered by id.
func (s *Store) AllDocs(ctx context.Context, prefix string) ([]*Raw, error) {
	docs := []*models.Document{}
	err := s.orm.Context(ctx).Where("id LIKE ?", prefix+"%").Asc("id").Find(&docs)
	if err != nil {
		return nil, err
	}
	// LIKE treats _ as a wildcard and ignores case on some backends
	r := rawList(docs)
	filtered := r[:0]
	for _, d := range r {
		if strings.HasPrefix(d.ID, prefix) {
			filtered = append(filtered, d)
		}
	}
	return filtered, nil
}

func rawList(docs []*models.Document) []*Raw {
	r := make([]*Raw, 0, len(docs))
	for _, d := range docs {
		r = append(r, toRaw(d))
	}
	return r
}
