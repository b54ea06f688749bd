package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

const twigColumns = `id, abstract_id, detail_id, user_id, parent_id, i, x, y, z,
	is_open, display_mode, create_date, delete_date`

func twigColumnsPrefixed(alias string) string {
	fields := strings.Fields(strings.ReplaceAll(twigColumns, ",", " "))
	for i, f := range fields {
		fields[i] = alias + "." + f
	}
	return strings.Join(fields, ", ")
}

func scanTwig(row rowScanner) (Twig, error) {
	var t Twig
	err := row.Scan(
		&t.ID,
		&t.AbstractID,
		&t.DetailID,
		&t.UserID,
		&t.ParentID,
		&t.I,
		&t.X,
		&t.Y,
		&t.Z,
		&t.IsOpen,
		&t.DisplayMode,
		&t.CreateDate,
		&t.DeleteDate,
	)
	return t, err
}

func (s *PostgresStore) collectTwigs(rows *sql.Rows, verb string) ([]Twig, error) {
	defer rows.Close()
	items := make([]Twig, 0)
	for rows.Next() {
		item, err := scanTwig(rows)
		if err != nil {
			return nil, fmt.Errorf("scan twig: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", verb, err)
	}
	return items, nil
}

func (s *PostgresStore) GetTwig(ctx context.Context, twigID string) (Twig, error) {
	return scanTwig(s.q.QueryRowContext(ctx, `
		SELECT `+twigColumns+` FROM twigs WHERE id=$1
	`, twigID))
}

func (s *PostgresStore) ListTwigs(ctx context.Context, abstractID string) ([]Twig, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+twigColumns+` FROM twigs
		WHERE abstract_id=$1 AND delete_date IS NULL
		ORDER BY i ASC
	`, abstractID)
	if err != nil {
		return nil, fmt.Errorf("list twigs: %w", err)
	}
	return s.collectTwigs(rows, "twigs")
}

// DescendantsOf returns the twig itself plus every live transitive child,
// ordered by depth then insertion order.
func (s *PostgresStore) DescendantsOf(ctx context.Context, twigID string) ([]Twig, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+twigColumnsPrefixed("t")+`
		FROM twig_closure c
		JOIN twigs t ON t.id = c.descendant_id
		WHERE c.ancestor_id=$1 AND t.delete_date IS NULL
		ORDER BY c.depth ASC, t.i ASC
	`, twigID)
	if err != nil {
		return nil, fmt.Errorf("list descendants: %w", err)
	}
	return s.collectTwigs(rows, "descendants")
}

func (s *PostgresStore) ParentOf(ctx context.Context, twigID string) (*Twig, error) {
	twig, err := scanTwig(s.q.QueryRowContext(ctx, `
		SELECT `+twigColumnsPrefixed("p")+`
		FROM twigs t
		JOIN twigs p ON p.id = t.parent_id
		WHERE t.id=$1
	`, twigID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get parent twig: %w", err)
	}
	return &twig, nil
}

// FindTwigByAbstractAndDetail returns the one live twig displaying an arrow
// inside an abstract, or nil when the arrow is not placed there.
func (s *PostgresStore) FindTwigByAbstractAndDetail(ctx context.Context, abstractID, detailID string) (*Twig, error) {
	twig, err := scanTwig(s.q.QueryRowContext(ctx, `
		SELECT `+twigColumns+` FROM twigs
		WHERE abstract_id=$1 AND detail_id=$2 AND delete_date IS NULL
	`, abstractID, detailID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find twig by detail: %w", err)
	}
	return &twig, nil
}

// FindLinkTwig returns the live twig of the link arrow connecting the given
// source and target details inside an abstract, or nil.
func (s *PostgresStore) FindLinkTwig(ctx context.Context, abstractID, sourceDetailID, targetDetailID string) (*Twig, error) {
	twig, err := scanTwig(s.q.QueryRowContext(ctx, `
		SELECT `+twigColumnsPrefixed("t")+`
		FROM twigs t
		JOIN arrows a ON a.id = t.detail_id
		WHERE t.abstract_id=$1 AND t.delete_date IS NULL AND a.delete_date IS NULL
			AND a.source_id=$2 AND a.target_id=$3
	`, abstractID, sourceDetailID, targetDetailID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find link twig: %w", err)
	}
	return &twig, nil
}

// linkTwigRef pairs a live link twig with its link arrow's endpoints.
type linkTwigRef struct {
	Twig     Twig
	SourceID string
	TargetID string
}

// linkTwigsOfDetail returns live link twigs in the abstract whose link
// arrow starts or ends at the given detail.
func (s *PostgresStore) linkTwigsOfDetail(ctx context.Context, abstractID, detailID string) ([]linkTwigRef, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+twigColumnsPrefixed("t")+`, a.source_id, a.target_id
		FROM twigs t
		JOIN arrows a ON a.id = t.detail_id
		WHERE t.abstract_id=$1 AND t.delete_date IS NULL AND a.delete_date IS NULL
			AND a.source_id IS NOT NULL AND a.target_id IS NOT NULL
			AND a.source_id <> a.target_id
			AND (a.source_id=$2 OR a.target_id=$2)
	`, abstractID, detailID)
	if err != nil {
		return nil, fmt.Errorf("list link twigs: %w", err)
	}
	defer rows.Close()

	items := make([]linkTwigRef, 0)
	for rows.Next() {
		var ref linkTwigRef
		if err := rows.Scan(
			&ref.Twig.ID,
			&ref.Twig.AbstractID,
			&ref.Twig.DetailID,
			&ref.Twig.UserID,
			&ref.Twig.ParentID,
			&ref.Twig.I,
			&ref.Twig.X,
			&ref.Twig.Y,
			&ref.Twig.Z,
			&ref.Twig.IsOpen,
			&ref.Twig.DisplayMode,
			&ref.Twig.CreateDate,
			&ref.Twig.DeleteDate,
			&ref.SourceID,
			&ref.TargetID,
		); err != nil {
			return nil, fmt.Errorf("scan link twig: %w", err)
		}
		items = append(items, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate link twigs: %w", err)
	}
	return items, nil
}

// insertTwig writes one twig row plus its closure rows: the self row at
// depth 0 and, when parented, one row per ancestor of the parent.
func (s *PostgresStore) insertTwig(ctx context.Context, t Twig) (Twig, error) {
	if t.DisplayMode == "" {
		t.DisplayMode = DisplayModeScattered
	}
	err := s.q.QueryRowContext(ctx, `
		INSERT INTO twigs (id, abstract_id, detail_id, user_id, parent_id, i, x, y, z, is_open, display_mode)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING create_date
	`, t.ID, t.AbstractID, t.DetailID, t.UserID, t.ParentID, t.I, t.X, t.Y, t.Z, t.IsOpen, t.DisplayMode).Scan(&t.CreateDate)
	if err != nil {
		if isUniqueViolation(err) {
			return Twig{}, fmt.Errorf("insert twig %s: %w", t.ID, ErrDuplicate)
		}
		return Twig{}, fmt.Errorf("insert twig: %w", err)
	}

	if _, err := s.q.ExecContext(ctx, `
		INSERT INTO twig_closure (ancestor_id, descendant_id, depth)
		VALUES ($1, $1, 0)
	`, t.ID); err != nil {
		return Twig{}, fmt.Errorf("insert closure self row: %w", err)
	}
	if t.ParentID != nil {
		if _, err := s.q.ExecContext(ctx, `
			INSERT INTO twig_closure (ancestor_id, descendant_id, depth)
			SELECT ancestor_id, $1, depth + 1 FROM twig_closure WHERE descendant_id=$2
		`, t.ID, *t.ParentID); err != nil {
			return Twig{}, fmt.Errorf("insert closure ancestor rows: %w", err)
		}
	}
	return t, nil
}

func midpoint(a, b int) int {
	return int(math.Round(float64(a+b) / 2))
}

// ReplyParams creates a post arrow replying to an existing twig's detail,
// the link arrow connecting them, and one twig for each.
type ReplyParams struct {
	Abstract    Arrow
	ParentTwig  Twig
	PostArrowID string
	LinkArrowID string
	PostTwigID  string
	LinkTwigID  string
	UserID      string
	X           int
	Y           int
}

type ReplyResult struct {
	PostArrow Arrow
	LinkArrow Arrow
	PostTwig  Twig
	LinkTwig  Twig
}

func (s *PostgresStore) CreateReply(ctx context.Context, p ReplyParams) (ReplyResult, error) {
	var res ReplyResult
	err := s.tx(ctx, func(txs *PostgresStore) error {
		n, err := txs.bumpTwigN(ctx, p.Abstract.ID, 2)
		if err != nil {
			return err
		}
		z, err := txs.bumpTwigZ(ctx, p.Abstract.ID, 2)
		if err != nil {
			return err
		}

		post, err := txs.insertArrow(ctx, Arrow{
			ID:         p.PostArrowID,
			UserID:     p.UserID,
			SourceID:   &p.PostArrowID,
			TargetID:   &p.PostArrowID,
			AbstractID: p.Abstract.ID,
		})
		if err != nil {
			return err
		}
		link, err := txs.insertArrow(ctx, Arrow{
			ID:         p.LinkArrowID,
			UserID:     p.UserID,
			SourceID:   &p.ParentTwig.DetailID,
			TargetID:   &p.PostArrowID,
			AbstractID: p.Abstract.ID,
		})
		if err != nil {
			return err
		}

		postTwig, err := txs.insertTwig(ctx, Twig{
			ID:         p.PostTwigID,
			AbstractID: p.Abstract.ID,
			DetailID:   post.ID,
			UserID:     p.UserID,
			ParentID:   &p.ParentTwig.ID,
			I:          n - 1,
			X:          p.X,
			Y:          p.Y,
			Z:          z - 1,
			IsOpen:     true,
		})
		if err != nil {
			return err
		}
		// The link twig floats: no parent, positioned at the midpoint of
		// its endpoints.
		linkTwig, err := txs.insertTwig(ctx, Twig{
			ID:         p.LinkTwigID,
			AbstractID: p.Abstract.ID,
			DetailID:   link.ID,
			UserID:     p.UserID,
			I:          n,
			X:          midpoint(p.ParentTwig.X, p.X),
			Y:          midpoint(p.ParentTwig.Y, p.Y),
			Z:          z,
			IsOpen:     true,
		})
		if err != nil {
			return err
		}

		if err := txs.bumpOutCount(ctx, p.ParentTwig.DetailID, 1); err != nil {
			return err
		}
		if err := txs.bumpInCount(ctx, post.ID, 1); err != nil {
			return err
		}
		post.InCount = 1

		res = ReplyResult{PostArrow: post, LinkArrow: link, PostTwig: postTwig, LinkTwig: linkTwig}
		return nil
	})
	if err != nil {
		return ReplyResult{}, err
	}
	return res, nil
}

// LinkParams connects two arrows already placed in the abstract.
type LinkParams struct {
	Abstract    Arrow
	SourceTwig  Twig
	TargetTwig  Twig
	LinkArrowID string
	LinkTwigID  string
	UserID      string
}

type LinkResult struct {
	LinkArrow Arrow
	LinkTwig  Twig
}

func (s *PostgresStore) CreateLink(ctx context.Context, p LinkParams) (LinkResult, error) {
	var res LinkResult
	err := s.tx(ctx, func(txs *PostgresStore) error {
		n, err := txs.bumpTwigN(ctx, p.Abstract.ID, 1)
		if err != nil {
			return err
		}
		z, err := txs.bumpTwigZ(ctx, p.Abstract.ID, 1)
		if err != nil {
			return err
		}

		link, err := txs.insertArrow(ctx, Arrow{
			ID:         p.LinkArrowID,
			UserID:     p.UserID,
			SourceID:   &p.SourceTwig.DetailID,
			TargetID:   &p.TargetTwig.DetailID,
			AbstractID: p.Abstract.ID,
		})
		if err != nil {
			return err
		}
		twig, err := txs.insertTwig(ctx, Twig{
			ID:         p.LinkTwigID,
			AbstractID: p.Abstract.ID,
			DetailID:   link.ID,
			UserID:     p.UserID,
			I:          n,
			X:          midpoint(p.SourceTwig.X, p.TargetTwig.X),
			Y:          midpoint(p.SourceTwig.Y, p.TargetTwig.Y),
			Z:          z,
			IsOpen:     true,
		})
		if err != nil {
			return err
		}

		if err := txs.bumpOutCount(ctx, p.SourceTwig.DetailID, 1); err != nil {
			return err
		}
		if err := txs.bumpInCount(ctx, p.TargetTwig.DetailID, 1); err != nil {
			return err
		}

		res = LinkResult{LinkArrow: link, LinkTwig: twig}
		return nil
	})
	if err != nil {
		return LinkResult{}, err
	}
	return res, nil
}

// RaiseTwig brings a twig and its subtree to the front of the abstract's
// z-stack. Descendants keep their relative order compacted onto
// baseZ+1..N; the selected twig lands at baseZ+N+1. Selecting the
// abstract's own root detail rebases the stack at zero instead of the
// current counter.
func (s *PostgresStore) RaiseTwig(ctx context.Context, abstract Arrow, twig Twig) ([]Twig, error) {
	var updated []Twig
	err := s.tx(ctx, func(txs *PostgresStore) error {
		descendants, err := txs.DescendantsOf(ctx, twig.ID)
		if err != nil {
			return err
		}
		n := len(descendants) - 1

		newZ, err := txs.bumpTwigZ(ctx, abstract.ID, n+1)
		if err != nil {
			return err
		}
		baseZ := newZ - (n + 1)
		if twig.DetailID == abstract.ID {
			baseZ = 0
		}

		rest := make([]Twig, 0, n)
		for _, d := range descendants {
			if d.ID != twig.ID {
				rest = append(rest, d)
			}
		}
		sort.SliceStable(rest, func(i, j int) bool { return rest[i].Z < rest[j].Z })

		updated = make([]Twig, 0, n+1)
		for idx, d := range rest {
			d.Z = baseZ + idx + 1
			if err := txs.setTwigZ(ctx, d.ID, d.Z); err != nil {
				return err
			}
			updated = append(updated, d)
		}
		twig.Z = baseZ + n + 1
		if err := txs.setTwigZ(ctx, twig.ID, twig.Z); err != nil {
			return err
		}
		updated = append(updated, twig)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *PostgresStore) setTwigZ(ctx context.Context, twigID string, z int) error {
	if _, err := s.q.ExecContext(ctx, `UPDATE twigs SET z=$2 WHERE id=$1`, twigID, z); err != nil {
		return fmt.Errorf("set twig z: %w", err)
	}
	return nil
}

type MoveResult struct {
	Moved    Twig
	Adjusted []Twig
}

// MoveTwig places a twig at new coordinates. Any live link twig whose link
// arrow starts or ends at the moved twig's detail is re-centered on the new
// endpoint midpoint, and that delta shifts the link twig's whole subtree.
// All of it is one transaction.
func (s *PostgresStore) MoveTwig(ctx context.Context, twig Twig, x, y int) (MoveResult, error) {
	var res MoveResult
	err := s.tx(ctx, func(txs *PostgresStore) error {
		moved, err := scanTwig(txs.q.QueryRowContext(ctx, `
			UPDATE twigs SET x=$2, y=$3 WHERE id=$1
			RETURNING `+twigColumns+`
		`, twig.ID, x, y))
		if err != nil {
			return fmt.Errorf("move twig: %w", err)
		}
		res.Moved = moved

		refs, err := txs.linkTwigsOfDetail(ctx, moved.AbstractID, moved.DetailID)
		if err != nil {
			return err
		}
		for _, ref := range refs {
			adjusted, err := txs.adjustLinkTwig(ctx, moved, ref)
			if err != nil {
				return err
			}
			res.Adjusted = append(res.Adjusted, adjusted...)
		}
		return nil
	})
	if err != nil {
		return MoveResult{}, err
	}
	return res, nil
}

// adjustLinkTwig re-centers one link twig on its endpoints' midpoint and
// propagates the delta to the link twig's descendants.
func (s *PostgresStore) adjustLinkTwig(ctx context.Context, moved Twig, ref linkTwigRef) ([]Twig, error) {
	sourceTwig, err := s.FindTwigByAbstractAndDetail(ctx, moved.AbstractID, ref.SourceID)
	if err != nil {
		return nil, err
	}
	targetTwig, err := s.FindTwigByAbstractAndDetail(ctx, moved.AbstractID, ref.TargetID)
	if err != nil {
		return nil, err
	}
	if sourceTwig == nil || targetTwig == nil {
		return nil, nil
	}

	dx := midpoint(sourceTwig.X, targetTwig.X) - ref.Twig.X
	dy := midpoint(sourceTwig.Y, targetTwig.Y) - ref.Twig.Y
	if dx == 0 && dy == 0 {
		return nil, nil
	}

	rows, err := s.q.QueryContext(ctx, `
		UPDATE twigs SET x = x + $2, y = y + $3
		WHERE delete_date IS NULL
			AND id IN (SELECT descendant_id FROM twig_closure WHERE ancestor_id=$1)
		RETURNING `+twigColumns+`
	`, ref.Twig.ID, dx, dy)
	if err != nil {
		return nil, fmt.Errorf("shift link subtree: %w", err)
	}
	return s.collectTwigs(rows, "shifted twigs")
}

type GraftResult struct {
	Grafted  Twig
	Adjusted []Twig
}

// GraftSubtree reparents a twig under a new parent within the same
// abstract, rewriting the closure rows for the moved subtree. The graft
// moves the twig to new coordinates, so any link twig anchored on its
// detail is re-centered the same way a plain move re-centers it.
func (s *PostgresStore) GraftSubtree(ctx context.Context, twigID, newParentID string, x, y int) (GraftResult, error) {
	var res GraftResult
	err := s.tx(ctx, func(txs *PostgresStore) error {
		if _, err := txs.q.ExecContext(ctx, `
			DELETE FROM twig_closure
			WHERE descendant_id IN (SELECT descendant_id FROM twig_closure WHERE ancestor_id=$1)
				AND ancestor_id NOT IN (SELECT descendant_id FROM twig_closure WHERE ancestor_id=$1)
		`, twigID); err != nil {
			return fmt.Errorf("detach closure rows: %w", err)
		}
		if _, err := txs.q.ExecContext(ctx, `
			INSERT INTO twig_closure (ancestor_id, descendant_id, depth)
			SELECT sup.ancestor_id, sub.descendant_id, sup.depth + sub.depth + 1
			FROM twig_closure sup
			CROSS JOIN twig_closure sub
			WHERE sup.descendant_id=$2 AND sub.ancestor_id=$1
		`, twigID, newParentID); err != nil {
			return fmt.Errorf("attach closure rows: %w", err)
		}

		twig, err := scanTwig(txs.q.QueryRowContext(ctx, `
			UPDATE twigs SET parent_id=$2, x=$3, y=$4 WHERE id=$1
			RETURNING `+twigColumns+`
		`, twigID, newParentID, x, y))
		if err != nil {
			return fmt.Errorf("graft twig: %w", err)
		}
		res.Grafted = twig

		refs, err := txs.linkTwigsOfDetail(ctx, twig.AbstractID, twig.DetailID)
		if err != nil {
			return err
		}
		for _, ref := range refs {
			adjusted, err := txs.adjustLinkTwig(ctx, twig, ref)
			if err != nil {
				return err
			}
			res.Adjusted = append(res.Adjusted, adjusted...)
		}
		return nil
	})
	if err != nil {
		return GraftResult{}, err
	}
	return res, nil
}

// SoftDeleteSubtree stamps the twig and every live descendant with one
// delete timestamp. The single statement keeps the cascade atomic: a
// partially deleted subtree would orphan closure rows.
func (s *PostgresStore) SoftDeleteSubtree(ctx context.Context, twigID string, at time.Time) ([]Twig, error) {
	rows, err := s.q.QueryContext(ctx, `
		UPDATE twigs SET delete_date=$2
		WHERE delete_date IS NULL
			AND id IN (SELECT descendant_id FROM twig_closure WHERE ancestor_id=$1)
		RETURNING `+twigColumns+`
	`, twigID, at)
	if err != nil {
		return nil, fmt.Errorf("soft delete subtree: %w", err)
	}
	return s.collectTwigs(rows, "deleted twigs")
}

type LiftResult struct {
	Deleted Twig
	Lifted  []Twig
}

// RemoveTwigLift soft-deletes one twig and reparents its live children to
// the removed twig's parent, closing the one-level gap in the closure
// index.
func (s *PostgresStore) RemoveTwigLift(ctx context.Context, twig Twig, at time.Time) (LiftResult, error) {
	var res LiftResult
	err := s.tx(ctx, func(txs *PostgresStore) error {
		rows, err := txs.q.QueryContext(ctx, `
			UPDATE twigs SET parent_id=$2
			WHERE parent_id=$1 AND delete_date IS NULL
			RETURNING `+twigColumns+`
		`, twig.ID, twig.ParentID)
		if err != nil {
			return fmt.Errorf("lift children: %w", err)
		}
		lifted, err := txs.collectTwigs(rows, "lifted twigs")
		if err != nil {
			return err
		}
		res.Lifted = lifted

		// Paths from ancestors of the removed twig into its subtree all
		// passed through it; they shorten by one.
		if _, err := txs.q.ExecContext(ctx, `
			UPDATE twig_closure SET depth = depth - 1
			WHERE ancestor_id IN (SELECT ancestor_id FROM twig_closure WHERE descendant_id=$1 AND ancestor_id <> $1)
				AND descendant_id IN (SELECT descendant_id FROM twig_closure WHERE ancestor_id=$1 AND descendant_id <> $1)
		`, twig.ID); err != nil {
			return fmt.Errorf("shorten closure paths: %w", err)
		}
		if _, err := txs.q.ExecContext(ctx, `
			DELETE FROM twig_closure WHERE ancestor_id=$1 OR descendant_id=$1
		`, twig.ID); err != nil {
			return fmt.Errorf("drop closure rows: %w", err)
		}

		deleted, err := scanTwig(txs.q.QueryRowContext(ctx, `
			UPDATE twigs SET delete_date=$2 WHERE id=$1
			RETURNING `+twigColumns+`
		`, twig.ID, at))
		if err != nil {
			return fmt.Errorf("soft delete twig: %w", err)
		}
		res.Deleted = deleted
		return nil
	})
	if err != nil {
		return LiftResult{}, err
	}
	return res, nil
}

func (s *PostgresStore) SetTwigOpen(ctx context.Context, twigID string, isOpen bool) (Twig, error) {
	twig, err := scanTwig(s.q.QueryRowContext(ctx, `
		UPDATE twigs SET is_open=$2 WHERE id=$1
		RETURNING `+twigColumns+`
	`, twigID, isOpen))
	if err != nil {
		return Twig{}, fmt.Errorf("set twig open: %w", err)
	}
	return twig, nil
}
