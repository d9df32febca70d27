// Package substrate persists the governed knowledge store: raw dumps,
// structured blocks, context items, relationships, reflections and composed
// documents. Writes happen inside the caller's transaction so a substrate
// mutation is never durable without its work item and timeline event.
package substrate

import (
	"context"
	"database/sql"
	"time"

	"yarnline/internal/domain"
	"yarnline/internal/repo"
)

type Store struct {
	DB *sql.DB
}

// InsertDump appends a raw capture. Dumps are immutable; there is no update.
func (s Store) InsertDump(ctx context.Context, tx *sql.Tx, d domain.Dump) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO dumps(id,basket_id,workspace_id,body,file_ref,meta_json,created_at) VALUES (?,?,?,?,?,?,?)`,
		d.ID, d.BasketID, d.WorkspaceID, nullable(d.Body), nullableStringPtr(d.FileRef), nullableStringPtr(d.MetaJSON), d.CreatedAt)
	return err
}

func (s Store) GetDump(ctx context.Context, id string) (domain.Dump, error) {
	var d domain.Dump
	var body, fileRef, meta sql.NullString
	err := s.DB.QueryRowContext(ctx, `SELECT id,basket_id,workspace_id,body,file_ref,meta_json,created_at FROM dumps WHERE id=?`, id).
		Scan(&d.ID, &d.BasketID, &d.WorkspaceID, &body, &fileRef, &meta, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return d, repo.ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if body.Valid {
		d.Body = body.String
	}
	if fileRef.Valid {
		d.FileRef = &fileRef.String
	}
	if meta.Valid {
		d.MetaJSON = &meta.String
	}
	return d, nil
}

func (s Store) GetDumpTx(ctx context.Context, tx *sql.Tx, id string) (domain.Dump, error) {
	var d domain.Dump
	var body, fileRef, meta sql.NullString
	err := tx.QueryRowContext(ctx, `SELECT id,basket_id,workspace_id,body,file_ref,meta_json,created_at FROM dumps WHERE id=?`, id).
		Scan(&d.ID, &d.BasketID, &d.WorkspaceID, &body, &fileRef, &meta, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return d, repo.ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if body.Valid {
		d.Body = body.String
	}
	if fileRef.Valid {
		d.FileRef = &fileRef.String
	}
	if meta.Valid {
		d.MetaJSON = &meta.String
	}
	return d, nil
}

// UpsertBlock inserts a block, converging on re-apply: a second execution of
// the same operation (same deterministic ID) updates content in place.
func (s Store) UpsertBlock(ctx context.Context, tx *sql.Tx, b domain.Block) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO blocks(id,basket_id,workspace_id,semantic_type,title,content,confidence,state,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET semantic_type=excluded.semantic_type, title=excluded.title, content=excluded.content, confidence=excluded.confidence, state=excluded.state, updated_at=excluded.updated_at`,
		b.ID, b.BasketID, b.WorkspaceID, b.SemanticType, nullable(b.Title), b.Content, nullableFloatPtr(b.Confidence), b.State, b.CreatedAt, b.UpdatedAt)
	return err
}

func (s Store) GetBlockTx(ctx context.Context, tx *sql.Tx, id string) (domain.Block, error) {
	var b domain.Block
	var title sql.NullString
	var confidence sql.NullFloat64
	err := tx.QueryRowContext(ctx, `SELECT id,basket_id,workspace_id,semantic_type,title,content,confidence,state,created_at,updated_at FROM blocks WHERE id=?`, id).
		Scan(&b.ID, &b.BasketID, &b.WorkspaceID, &b.SemanticType, &title, &b.Content, &confidence, &b.State, &b.CreatedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return b, repo.ErrNotFound
	}
	if err != nil {
		return b, err
	}
	if title.Valid {
		b.Title = title.String
	}
	if confidence.Valid {
		b.Confidence = &confidence.Float64
	}
	return b, nil
}

func (s Store) UpdateBlockContent(ctx context.Context, tx *sql.Tx, id, content string, now time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE blocks SET content=?, updated_at=? WHERE id=?`,
		content, now.UTC().Format(time.RFC3339), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s Store) ListBlocks(ctx context.Context, basketID string) ([]domain.Block, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id,basket_id,workspace_id,semantic_type,COALESCE(title,''),content,confidence,state,created_at,updated_at FROM blocks WHERE basket_id=? ORDER BY created_at ASC, id ASC`, basketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Block
	for rows.Next() {
		var b domain.Block
		var confidence sql.NullFloat64
		if err := rows.Scan(&b.ID, &b.BasketID, &b.WorkspaceID, &b.SemanticType, &b.Title, &b.Content, &confidence, &b.State, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, err
		}
		if confidence.Valid {
			b.Confidence = &confidence.Float64
		}
		res = append(res, b)
	}
	return res, nil
}

func (s Store) UpsertContextItem(ctx context.Context, tx *sql.Tx, ci domain.ContextItem) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO context_items(id,basket_id,workspace_id,kind,label,content,created_at)
VALUES (?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET kind=excluded.kind, label=excluded.label, content=excluded.content`,
		ci.ID, ci.BasketID, ci.WorkspaceID, ci.Kind, ci.Label, nullable(ci.Content), ci.CreatedAt)
	return err
}

func (s Store) ListContextItems(ctx context.Context, basketID string) ([]domain.ContextItem, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id,basket_id,workspace_id,kind,label,COALESCE(content,''),created_at FROM context_items WHERE basket_id=? ORDER BY created_at ASC, id ASC`, basketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ContextItem
	for rows.Next() {
		var ci domain.ContextItem
		if err := rows.Scan(&ci.ID, &ci.BasketID, &ci.WorkspaceID, &ci.Kind, &ci.Label, &ci.Content, &ci.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, ci)
	}
	return res, nil
}

// InsertRelationship ignores duplicates: the natural-key unique constraint
// makes re-applied link operations converge.
func (s Store) InsertRelationship(ctx context.Context, tx *sql.Tx, rel domain.Relationship) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO substrate_relationships(id,basket_id,from_type,from_id,to_type,to_id,relationship_type,strength,created_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		rel.ID, rel.BasketID, rel.FromType, rel.FromID, rel.ToType, rel.ToID, rel.RelationshipType, nullableFloatPtr(rel.Strength), rel.CreatedAt)
	return err
}

func (s Store) ListRelationships(ctx context.Context, basketID string) ([]domain.Relationship, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id,basket_id,from_type,from_id,to_type,to_id,relationship_type,strength,created_at FROM substrate_relationships WHERE basket_id=? ORDER BY created_at ASC, id ASC`, basketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Relationship
	for rows.Next() {
		var rel domain.Relationship
		var strength sql.NullFloat64
		if err := rows.Scan(&rel.ID, &rel.BasketID, &rel.FromType, &rel.FromID, &rel.ToType, &rel.ToID, &rel.RelationshipType, &strength, &rel.CreatedAt); err != nil {
			return nil, err
		}
		if strength.Valid {
			rel.Strength = &strength.Float64
		}
		res = append(res, rel)
	}
	return res, nil
}

func (s Store) UpsertReflection(ctx context.Context, tx *sql.Tx, refl domain.Reflection) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO reflections(id,basket_id,workspace_id,body,created_at)
VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET body=excluded.body`,
		refl.ID, refl.BasketID, refl.WorkspaceID, refl.Body, refl.CreatedAt)
	return err
}

func (s Store) ListReflections(ctx context.Context, basketID string) ([]domain.Reflection, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id,basket_id,workspace_id,body,created_at FROM reflections WHERE basket_id=? ORDER BY created_at ASC, id ASC`, basketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Reflection
	for rows.Next() {
		var refl domain.Reflection
		if err := rows.Scan(&refl.ID, &refl.BasketID, &refl.WorkspaceID, &refl.Body, &refl.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, refl)
	}
	return res, nil
}

func (s Store) UpsertDocument(ctx context.Context, tx *sql.Tx, doc domain.Document) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO documents(id,basket_id,workspace_id,title,body,created_at,updated_at)
VALUES (?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET title=excluded.title, body=excluded.body, updated_at=excluded.updated_at`,
		doc.ID, doc.BasketID, doc.WorkspaceID, doc.Title, nullable(doc.Body), doc.CreatedAt, doc.UpdatedAt)
	return err
}

func (s Store) GetDocument(ctx context.Context, id string) (domain.Document, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT id,basket_id,workspace_id,title,body,created_at,updated_at FROM documents WHERE id=?`, id)
	return scanDocument(row.Scan)
}

func (s Store) GetDocumentTx(ctx context.Context, tx *sql.Tx, id string) (domain.Document, error) {
	row := tx.QueryRowContext(ctx, `SELECT id,basket_id,workspace_id,title,body,created_at,updated_at FROM documents WHERE id=?`, id)
	return scanDocument(row.Scan)
}

func scanDocument(scan func(dest ...any) error) (domain.Document, error) {
	var doc domain.Document
	var body sql.NullString
	err := scan(&doc.ID, &doc.BasketID, &doc.WorkspaceID, &doc.Title, &body, &doc.CreatedAt, &doc.UpdatedAt)
	if err == sql.ErrNoRows {
		return doc, repo.ErrNotFound
	}
	if err != nil {
		return doc, err
	}
	if body.Valid {
		doc.Body = body.String
	}
	return doc, nil
}

func (s Store) AttachDocumentRef(ctx context.Context, tx *sql.Tx, ref domain.DocumentRef) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO document_refs(document_id,substrate_type,substrate_id,role) VALUES (?,?,?,?)`,
		ref.DocumentID, ref.SubstrateType, ref.SubstrateID, nullable(ref.Role))
	return err
}

// CountDocumentRefs is the live substrate-impact read used by the status
// reporter for compose work.
func (s Store) CountDocumentRefs(ctx context.Context, documentID string) (int, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT count(*) FROM document_refs WHERE document_id=?`, documentID)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
