package store

import (
	"context"
	"fmt"
)

const arrowColumns = `id, route_name, user_id, source_id, target_id, abstract_id, twig_n, twig_z,
	can_edit, can_post, can_talk, can_hear, can_view,
	in_count, out_count, weight, clicks, tokens,
	commit_date, remove_date, delete_date`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArrow(row rowScanner) (Arrow, error) {
	var a Arrow
	err := row.Scan(
		&a.ID,
		&a.RouteName,
		&a.UserID,
		&a.SourceID,
		&a.TargetID,
		&a.AbstractID,
		&a.TwigN,
		&a.TwigZ,
		&a.CanEdit,
		&a.CanPost,
		&a.CanTalk,
		&a.CanHear,
		&a.CanView,
		&a.InCount,
		&a.OutCount,
		&a.Weight,
		&a.Clicks,
		&a.Tokens,
		&a.CommitDate,
		&a.RemoveDate,
		&a.DeleteDate,
	)
	return a, err
}

func (s *PostgresStore) GetArrow(ctx context.Context, arrowID string) (Arrow, error) {
	return scanArrow(s.q.QueryRowContext(ctx, `
		SELECT `+arrowColumns+` FROM arrows WHERE id=$1
	`, arrowID))
}

func (s *PostgresStore) GetArrowByRouteName(ctx context.Context, routeName string) (Arrow, error) {
	return scanArrow(s.q.QueryRowContext(ctx, `
		SELECT `+arrowColumns+` FROM arrows WHERE route_name=$1
	`, routeName))
}

// insertArrow writes one arrow row. Defaults: route name falls back to the
// id, the abstract falls back to the arrow itself, policy tiers fall back
// to the schema defaults unless set.
func (s *PostgresStore) insertArrow(ctx context.Context, a Arrow) (Arrow, error) {
	if a.RouteName == "" {
		a.RouteName = a.ID
	}
	if a.AbstractID == "" {
		a.AbstractID = a.ID
	}
	if a.CanEdit == "" {
		a.CanEdit = "ADMIN"
	}
	if a.CanPost == "" {
		a.CanPost = "OTHER"
	}
	if a.CanTalk == "" {
		a.CanTalk = "OTHER"
	}
	if a.CanHear == "" {
		a.CanHear = "OTHER"
	}
	if a.CanView == "" {
		a.CanView = "OTHER"
	}
	err := s.q.QueryRowContext(ctx, `
		INSERT INTO arrows (id, route_name, user_id, source_id, target_id, abstract_id,
			can_edit, can_post, can_talk, can_hear, can_view, weight, clicks, tokens)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING twig_n, twig_z, in_count, out_count, commit_date
	`, a.ID, a.RouteName, a.UserID, a.SourceID, a.TargetID, a.AbstractID,
		a.CanEdit, a.CanPost, a.CanTalk, a.CanHear, a.CanView, a.Weight, a.Clicks, a.Tokens,
	).Scan(&a.TwigN, &a.TwigZ, &a.InCount, &a.OutCount, &a.CommitDate)
	if err != nil {
		if isUniqueViolation(err) {
			return Arrow{}, fmt.Errorf("insert arrow %s: %w", a.ID, ErrDuplicate)
		}
		return Arrow{}, fmt.Errorf("insert arrow: %w", err)
	}
	return a, nil
}

// bumpTwigN advances the abstract's tree-position counter by n and returns
// the new value. The increment is a single atomic statement so concurrent
// mutations on the same abstract never issue the same index twice.
func (s *PostgresStore) bumpTwigN(ctx context.Context, abstractID string, n int) (int, error) {
	var value int
	err := s.q.QueryRowContext(ctx, `
		UPDATE arrows SET twig_n = twig_n + $2 WHERE id=$1 RETURNING twig_n
	`, abstractID, n).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("bump twig_n: %w", err)
	}
	return value, nil
}

// bumpTwigZ advances the abstract's z-order counter by n and returns the
// new value.
func (s *PostgresStore) bumpTwigZ(ctx context.Context, abstractID string, n int) (int, error) {
	var value int
	err := s.q.QueryRowContext(ctx, `
		UPDATE arrows SET twig_z = twig_z + $2 WHERE id=$1 RETURNING twig_z
	`, abstractID, n).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("bump twig_z: %w", err)
	}
	return value, nil
}

func (s *PostgresStore) bumpOutCount(ctx context.Context, arrowID string, delta int) error {
	if _, err := s.q.ExecContext(ctx, `
		UPDATE arrows SET out_count = out_count + $2 WHERE id=$1
	`, arrowID, delta); err != nil {
		return fmt.Errorf("bump out_count: %w", err)
	}
	return nil
}

// BumpClicks records one engagement click on an arrow and returns the
// updated row.
func (s *PostgresStore) BumpClicks(ctx context.Context, arrowID string) (Arrow, error) {
	arrow, err := scanArrow(s.q.QueryRowContext(ctx, `
		UPDATE arrows SET clicks = clicks + 1 WHERE id=$1
		RETURNING `+arrowColumns+`
	`, arrowID))
	if err != nil {
		return Arrow{}, fmt.Errorf("bump clicks: %w", err)
	}
	return arrow, nil
}

func (s *PostgresStore) bumpInCount(ctx context.Context, arrowID string, delta int) error {
	if _, err := s.q.ExecContext(ctx, `
		UPDATE arrows SET in_count = in_count + $2 WHERE id=$1
	`, arrowID, delta); err != nil {
		return fmt.Errorf("bump in_count: %w", err)
	}
	return nil
}

// CreateArrowParams creates a standalone post arrow. A fresh top-level
// arrow is its own abstract; it gets an ADMIN role for its owner and a root
// twig so the sub-graph can be opened immediately.
type CreateArrowParams struct {
	Arrow       Arrow
	AdminRoleID string
	RootTwigID  string
}

type CreateArrowResult struct {
	Arrow    Arrow
	Role     *Role
	RootTwig *Twig
}

func (s *PostgresStore) CreateArrow(ctx context.Context, p CreateArrowParams) (CreateArrowResult, error) {
	var res CreateArrowResult
	err := s.tx(ctx, func(txs *PostgresStore) error {
		arrow := p.Arrow
		if arrow.SourceID == nil {
			arrow.SourceID = &arrow.ID
		}
		if arrow.TargetID == nil {
			arrow.TargetID = &arrow.ID
		}
		created, err := txs.insertArrow(ctx, arrow)
		if err != nil {
			return err
		}
		res.Arrow = created

		if p.AdminRoleID != "" && created.AbstractID == created.ID {
			role, err := txs.insertRole(ctx, Role{
				ID:      p.AdminRoleID,
				UserID:  created.UserID,
				ArrowID: created.ID,
				Type:    "ADMIN",
			})
			if err != nil {
				return err
			}
			res.Role = &role
		}

		if p.RootTwigID != "" && created.AbstractID == created.ID {
			i, err := txs.bumpTwigN(ctx, created.ID, 1)
			if err != nil {
				return err
			}
			z, err := txs.bumpTwigZ(ctx, created.ID, 1)
			if err != nil {
				return err
			}
			twig, err := txs.insertTwig(ctx, Twig{
				ID:         p.RootTwigID,
				AbstractID: created.ID,
				DetailID:   created.ID,
				UserID:     created.UserID,
				I:          i,
				Z:          z,
				IsOpen:     true,
			})
			if err != nil {
				return err
			}
			res.RootTwig = &twig
			res.Arrow.TwigN = i
			res.Arrow.TwigZ = z
		}
		return nil
	})
	if err != nil {
		return CreateArrowResult{}, err
	}
	return res, nil
}
