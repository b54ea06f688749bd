package store

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"arbor/api/internal/util"
)

// openTestStore connects to the database named by ARBOR_TEST_DATABASE_URL
// and applies migrations. Tests that call it are skipped when the variable
// is unset, so the default `go test` run needs no Postgres.
func openTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("ARBOR_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("ARBOR_TEST_DATABASE_URL is not set")
	}

	ctx := context.Background()
	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := ApplyMigrations(ctx, db, ""); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return NewPostgresStore(db)
}

func seedTestAbstract(t *testing.T, s *PostgresStore) (Arrow, Twig) {
	t.Helper()
	ctx := context.Background()
	user, err := s.EnsureUserByName(ctx, "itest-"+util.NewID("usr"))
	if err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	created, err := s.CreateArrow(ctx, CreateArrowParams{
		Arrow:       Arrow{ID: util.NewID("arw"), UserID: user.ID},
		AdminRoleID: util.NewID("rol"),
		RootTwigID:  util.NewID("twg"),
	})
	if err != nil {
		t.Fatalf("create abstract: %v", err)
	}
	if created.RootTwig == nil || created.Role == nil {
		t.Fatalf("abstract creation missing root twig or admin role: %+v", created)
	}
	return created.Arrow, *created.RootTwig
}

func TestReplyChainAndClosure(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	abstract, root := seedTestAbstract(t, s)

	first, err := s.CreateReply(ctx, ReplyParams{
		Abstract: abstract, ParentTwig: root,
		PostArrowID: util.NewID("arw"), LinkArrowID: util.NewID("arw"),
		PostTwigID: util.NewID("twg"), LinkTwigID: util.NewID("twg"),
		UserID: abstract.UserID, X: 100, Y: 0,
	})
	if err != nil {
		t.Fatalf("first reply: %v", err)
	}

	refreshed, err := s.GetArrow(ctx, abstract.ID)
	if err != nil {
		t.Fatalf("reload abstract: %v", err)
	}
	if refreshed.TwigN != abstract.TwigN+2 || refreshed.TwigZ != abstract.TwigZ+2 {
		t.Fatalf("counters not advanced by 2: n=%d z=%d", refreshed.TwigN, refreshed.TwigZ)
	}

	second, err := s.CreateReply(ctx, ReplyParams{
		Abstract: refreshed, ParentTwig: first.PostTwig,
		PostArrowID: util.NewID("arw"), LinkArrowID: util.NewID("arw"),
		PostTwigID: util.NewID("twg"), LinkTwigID: util.NewID("twg"),
		UserID: abstract.UserID, X: 200, Y: 0,
	})
	if err != nil {
		t.Fatalf("second reply: %v", err)
	}

	subtree, err := s.DescendantsOf(ctx, root.ID)
	if err != nil {
		t.Fatalf("descendants: %v", err)
	}
	if len(subtree) != 3 {
		t.Fatalf("closure should cover root and both posts, got %d", len(subtree))
	}
	if subtree[0].ID != root.ID {
		t.Fatalf("closure read must lead with the ancestor, got %s", subtree[0].ID)
	}

	nested, err := s.DescendantsOf(ctx, first.PostTwig.ID)
	if err != nil {
		t.Fatalf("nested descendants: %v", err)
	}
	if len(nested) != 2 || nested[1].ID != second.PostTwig.ID {
		t.Fatalf("nested closure wrong: %+v", nested)
	}
}

func TestRaiseTwigCompactsZ(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	abstract, root := seedTestAbstract(t, s)

	reply, err := s.CreateReply(ctx, ReplyParams{
		Abstract: abstract, ParentTwig: root,
		PostArrowID: util.NewID("arw"), LinkArrowID: util.NewID("arw"),
		PostTwigID: util.NewID("twg"), LinkTwigID: util.NewID("twg"),
		UserID: abstract.UserID,
	})
	if err != nil {
		t.Fatalf("reply: %v", err)
	}

	refreshed, err := s.GetArrow(ctx, abstract.ID)
	if err != nil {
		t.Fatalf("reload abstract: %v", err)
	}
	raised, err := s.RaiseTwig(ctx, refreshed, reply.PostTwig)
	if err != nil {
		t.Fatalf("raise: %v", err)
	}
	selected := raised[len(raised)-1]
	if selected.ID != reply.PostTwig.ID {
		t.Fatalf("selected twig must come last, got %s", selected.ID)
	}
	if selected.Z <= reply.PostTwig.Z {
		t.Fatalf("selected twig must rise: %d <= %d", selected.Z, reply.PostTwig.Z)
	}
}

func TestLiveLinkUniqueness(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	abstract, root := seedTestAbstract(t, s)

	a, err := s.CreateReply(ctx, ReplyParams{
		Abstract: abstract, ParentTwig: root,
		PostArrowID: util.NewID("arw"), LinkArrowID: util.NewID("arw"),
		PostTwigID: util.NewID("twg"), LinkTwigID: util.NewID("twg"),
		UserID: abstract.UserID,
	})
	if err != nil {
		t.Fatalf("reply a: %v", err)
	}
	refreshed, _ := s.GetArrow(ctx, abstract.ID)
	b, err := s.CreateReply(ctx, ReplyParams{
		Abstract: refreshed, ParentTwig: root,
		PostArrowID: util.NewID("arw"), LinkArrowID: util.NewID("arw"),
		PostTwigID: util.NewID("twg"), LinkTwigID: util.NewID("twg"),
		UserID: abstract.UserID,
	})
	if err != nil {
		t.Fatalf("reply b: %v", err)
	}

	refreshed, _ = s.GetArrow(ctx, abstract.ID)
	if _, err := s.CreateLink(ctx, LinkParams{
		Abstract: refreshed, SourceTwig: a.PostTwig, TargetTwig: b.PostTwig,
		LinkArrowID: util.NewID("lnk"), LinkTwigID: util.NewID("twg"),
		UserID: abstract.UserID,
	}); err != nil {
		t.Fatalf("first link: %v", err)
	}
	refreshed, _ = s.GetArrow(ctx, abstract.ID)
	_, err = s.CreateLink(ctx, LinkParams{
		Abstract: refreshed, SourceTwig: a.PostTwig, TargetTwig: b.PostTwig,
		LinkArrowID: util.NewID("lnk"), LinkTwigID: util.NewID("twg"),
		UserID: abstract.UserID,
	})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate for a second live link, got %v", err)
	}
}

func TestSoftDeleteSubtree(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	abstract, root := seedTestAbstract(t, s)

	parent, err := s.CreateReply(ctx, ReplyParams{
		Abstract: abstract, ParentTwig: root,
		PostArrowID: util.NewID("arw"), LinkArrowID: util.NewID("arw"),
		PostTwigID: util.NewID("twg"), LinkTwigID: util.NewID("twg"),
		UserID: abstract.UserID,
	})
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	refreshed, _ := s.GetArrow(ctx, abstract.ID)
	if _, err := s.CreateReply(ctx, ReplyParams{
		Abstract: refreshed, ParentTwig: parent.PostTwig,
		PostArrowID: util.NewID("arw"), LinkArrowID: util.NewID("arw"),
		PostTwigID: util.NewID("twg"), LinkTwigID: util.NewID("twg"),
		UserID: abstract.UserID,
	}); err != nil {
		t.Fatalf("nested reply: %v", err)
	}

	at := time.Now().UTC()
	deleted, err := s.SoftDeleteSubtree(ctx, parent.PostTwig.ID, at)
	if err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	if len(deleted) != 2 {
		t.Fatalf("expected parent plus nested child deleted, got %d", len(deleted))
	}
	for _, d := range deleted {
		if d.DeleteDate == nil {
			t.Fatalf("twig %s missing delete stamp", d.ID)
		}
	}

	live, err := s.FindTwigByAbstractAndDetail(ctx, abstract.ID, parent.PostArrow.ID)
	if err != nil {
		t.Fatalf("find live twig: %v", err)
	}
	if live != nil {
		t.Fatal("deleted twig still resolves as live")
	}
}
