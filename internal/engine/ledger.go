package engine

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"yarnline/internal/domain"
	"yarnline/internal/repo"
)

// Fingerprint hashes the logical payload behind an idempotency key. Two
// submissions of the same key must carry the same fingerprint or the ledger
// rejects the second one.
func Fingerprint(parts ...any) string {
	b, _ := json.Marshal(parts)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// resolveLedger checks the ledger inside the caller's transaction. A hit
// returns the stored result verbatim; a hit with a divergent fingerprint is
// a ConflictError. The resolve and the later record share the transaction so
// no retry can slip between them and re-execute the side effect.
func (e *Engine) resolveLedger(ctx context.Context, tx *sql.Tx, workspaceID, key, fingerprint string) (string, bool, error) {
	rec, err := e.Repo.GetIdempotencyRecordTx(ctx, tx, workspaceID, key)
	if errors.Is(err, repo.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if rec.Fingerprint != fingerprint {
		return "", false, ConflictError{Msg: fmt.Sprintf("idempotency key %s replayed with different payload", key)}
	}
	return rec.ResultJSON, true, nil
}

// recordLedger stores the result under the key, inside the same transaction
// as the side effect it guards.
func (e *Engine) recordLedger(ctx context.Context, tx *sql.Tx, workspaceID, key, fingerprint string, result any) error {
	b, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return e.Repo.InsertIdempotencyRecord(ctx, tx, domain.IdempotencyRecord{
		Key:         key,
		WorkspaceID: workspaceID,
		Fingerprint: fingerprint,
		ResultJSON:  string(b),
	}, e.now())
}
