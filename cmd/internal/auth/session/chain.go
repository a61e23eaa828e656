package session

import (
	"context"
	"errors"
	"time"
)

// FindLineage returns every credential reachable from hash through
// parent_hash, replaced_by_hash, and children (rows whose parent_hash is a
// visited hash).
//
// Traversal is breadth-first over an explicit queue with a visited set, so it
// terminates on any graph shape, including cycles from corrupted data.
// Dangling pointers are skipped.
func FindLineage(ctx context.Context, tx Tx, hash string) ([]RenewalCredential, error) {
	queue := []string{hash}
	visited := make(map[string]struct{})
	var out []RenewalCredential

	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		if h == "" {
			continue
		}
		if _, seen := visited[h]; seen {
			continue
		}
		visited[h] = struct{}{}

		c, err := tx.FindBySecretHash(ctx, h)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, c)

		if c.ParentHash != nil {
			queue = append(queue, *c.ParentHash)
		}
		if c.ReplacedByHash != nil {
			queue = append(queue, *c.ReplacedByHash)
		}

		children, err := tx.FindByParentHash(ctx, h)
		if err != nil {
			return nil, err
		}
		for _, ch := range children {
			queue = append(queue, ch.SecretHash)
		}
	}
	return out, nil
}

// ChainResult summarizes one lineage revocation.
type ChainResult struct {
	// Members is the number of credentials reached by traversal.
	Members int
	// Revoked is the number that were still unrevoked and got revoked now.
	Revoked int
}

// ChainRevoker revokes a whole lineage when replay or leakage is suspected.
type ChainRevoker struct{}

// Revoke traverses the lineage of hash and revokes every unrevoked member
// with reason ChainReason(cause) inside tx.
//
// Traversal repeats after each batch until it finds no unrevoked member, so
// successors committed by a concurrent rotation mid-traversal are included.
func (ChainRevoker) Revoke(ctx context.Context, tx Tx, hash string, now time.Time, cause string) (ChainResult, error) {
	var res ChainResult
	for {
		members, err := FindLineage(ctx, tx, hash)
		if err != nil {
			return ChainResult{}, err
		}
		res.Members = len(members)

		var live []string
		for _, c := range members {
			if c.RevokedAt == nil {
				live = append(live, c.SecretHash)
			}
		}
		if len(live) == 0 {
			return res, nil
		}

		n, err := tx.RevokeBatch(ctx, live, now, ChainReason(cause))
		if err != nil {
			return ChainResult{}, err
		}
		res.Revoked += n
	}
}
