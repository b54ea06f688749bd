package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"arbor/api/internal/auth"
	"arbor/api/internal/config"
	"arbor/api/internal/drafts"
	"arbor/api/internal/fanout"
	"arbor/api/internal/rbac"
	"arbor/api/internal/search"
	"arbor/api/internal/session"
	"arbor/api/internal/store"
	"arbor/api/internal/util"
)

type Session struct {
	Token     string
	UserID    string
	UserName  string
	SessionID string
	JTI       string
	ExpiresAt time.Time
}

// MutationResult is the structured delta a successful mutation produced. It
// is returned to the caller and, byte for byte, published on the abstract's
// fan-out channel so every other viewer merges the same change.
type MutationResult struct {
	Op      string        `json:"op"`
	Arrows  []store.Arrow `json:"arrows,omitempty"`
	Twigs   []store.Twig  `json:"twigs,omitempty"`
	Deleted []store.Twig  `json:"deleted,omitempty"`
	Role    *store.Role   `json:"role,omitempty"`
}

type ReplyInput struct {
	ParentTwigID string `json:"parentTwigId"`
	PostID       string `json:"postId"`
	LinkID       string `json:"linkId"`
	TwigID       string `json:"twigId"`
	LinkTwigID   string `json:"linkTwigId"`
	X            int    `json:"x"`
	Y            int    `json:"y"`
	Draft        string `json:"draft"`
	SessionID    string `json:"sessionId"`
}

type LinkInput struct {
	AbstractID     string `json:"abstractId"`
	SourceDetailID string `json:"sourceDetailId"`
	TargetDetailID string `json:"targetDetailId"`
	LinkID         string `json:"linkId"`
	LinkTwigID     string `json:"linkTwigId"`
	SessionID      string `json:"sessionId"`
}

type MoveInput struct {
	X         int    `json:"x"`
	Y         int    `json:"y"`
	SessionID string `json:"sessionId"`
}

type GraftInput struct {
	NewParentTwigID string `json:"newParentTwigId"`
	X               int    `json:"x"`
	Y               int    `json:"y"`
	SessionID       string `json:"sessionId"`
}

type RemoveInput struct {
	Cascade   bool   `json:"cascade"`
	SessionID string `json:"sessionId"`
}

type OpenInput struct {
	IsOpen    bool   `json:"isOpen"`
	SessionID string `json:"sessionId"`
}

type CreateArrowInput struct {
	ID         string `json:"id"`
	RouteName  string `json:"routeName"`
	AbstractID string `json:"abstractId"`
	Draft      string `json:"draft"`
	SessionID  string `json:"sessionId"`
}

// ArrowView is an arrow plus its opaque draft blob, fetched on read only.
type ArrowView struct {
	store.Arrow
	Draft string `json:"draft,omitempty"`
}

type dataStore interface {
	GetArrow(context.Context, string) (store.Arrow, error)
	GetArrowByRouteName(context.Context, string) (store.Arrow, error)
	CreateArrow(context.Context, store.CreateArrowParams) (store.CreateArrowResult, error)
	BumpClicks(context.Context, string) (store.Arrow, error)
	GetTwig(context.Context, string) (store.Twig, error)
	ListTwigs(context.Context, string) ([]store.Twig, error)
	DescendantsOf(context.Context, string) ([]store.Twig, error)
	FindTwigByAbstractAndDetail(context.Context, string, string) (*store.Twig, error)
	FindLinkTwig(context.Context, string, string, string) (*store.Twig, error)
	CreateReply(context.Context, store.ReplyParams) (store.ReplyResult, error)
	CreateLink(context.Context, store.LinkParams) (store.LinkResult, error)
	RaiseTwig(context.Context, store.Arrow, store.Twig) ([]store.Twig, error)
	MoveTwig(context.Context, store.Twig, int, int) (store.MoveResult, error)
	GraftSubtree(context.Context, string, string, int, int) (store.GraftResult, error)
	SoftDeleteSubtree(context.Context, string, time.Time) ([]store.Twig, error)
	RemoveTwigLift(context.Context, store.Twig, time.Time) (store.LiftResult, error)
	SetTwigOpen(context.Context, string, bool) (store.Twig, error)
	GetRole(context.Context, string, string) (*store.Role, error)
	CreateRole(context.Context, store.Role) (store.Role, error)
	EnsureUserByName(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	Ping(context.Context) error
}

type publisher interface {
	Publish(context.Context, fanout.Message) error
}

type indexer interface {
	IndexArrow(search.ArrowRecord)
}

type viewerRegistry interface {
	Save(context.Context, string, session.Viewer) error
	Lookup(context.Context, string) (session.Viewer, error)
	Touch(context.Context, string) error
	Delete(context.Context, string) error
}

type draftStore interface {
	Put(context.Context, string, string) error
	Get(context.Context, string) (string, error)
}

type Service struct {
	cfg     config.Config
	store   dataStore
	fanout  publisher
	search  indexer
	viewers viewerRegistry
	drafts  draftStore
}

func New(cfg config.Config, dataStore *store.PostgresStore, broker *fanout.Broker, searchService *search.Service, viewers *session.RedisStore, draftService *drafts.Service) *Service {
	s := &Service{cfg: cfg, store: dataStore}
	if broker != nil {
		s.fanout = broker
	}
	if searchService != nil {
		s.search = searchService
	}
	if viewers != nil {
		s.viewers = viewers
	}
	if draftService != nil {
		s.drafts = draftService
	}
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// ── sessions ──

func (s *Service) Login(ctx context.Context, name string) (Session, error) {
	userName := strings.TrimSpace(name)
	if userName == "" {
		userName = "User"
	}

	user, err := s.store.EnsureUserByName(ctx, userName)
	if err != nil {
		return Session{}, err
	}

	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")
	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	sessionID := util.NewID("ses")
	if s.viewers != nil {
		if err := s.viewers.Save(ctx, sessionID, session.Viewer{UserID: user.ID, UserName: user.DisplayName}); err != nil {
			return Session{}, err
		}
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		SessionID: sessionID,
		JTI:       jti,
		ExpiresAt: expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

// ViewerForSession resolves a live session id to its registered viewer.
func (s *Service) ViewerForSession(ctx context.Context, sessionID string) (session.Viewer, error) {
	if s.viewers == nil {
		return session.Viewer{}, errNotFound("session not found")
	}
	return s.viewers.Lookup(ctx, sessionID)
}

func (s *Service) TouchSession(ctx context.Context, sessionID string) {
	if s.viewers == nil {
		return
	}
	if err := s.viewers.Touch(ctx, sessionID); err != nil {
		log.Printf("touch session %s: %v", sessionID, err)
	}
}

func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if s.viewers == nil || sessionID == "" {
		return nil
	}
	return s.viewers.Delete(ctx, sessionID)
}

// ── reads ──

func (s *Service) GetTwigs(ctx context.Context, viewer Session, abstractID string) ([]store.Twig, error) {
	abstract, err := s.store.GetArrow(ctx, abstractID)
	if err != nil {
		return nil, err
	}
	if err := s.checkView(ctx, viewer.UserID, abstract); err != nil {
		return nil, err
	}
	return s.store.ListTwigs(ctx, abstractID)
}

func (s *Service) GetArrow(ctx context.Context, viewer Session, arrowID string) (ArrowView, error) {
	arrow, err := s.store.GetArrow(ctx, arrowID)
	if err != nil {
		return ArrowView{}, err
	}
	return s.arrowView(ctx, viewer, arrow)
}

func (s *Service) GetArrowByRouteName(ctx context.Context, viewer Session, routeName string) (ArrowView, error) {
	arrow, err := s.store.GetArrowByRouteName(ctx, routeName)
	if err != nil {
		return ArrowView{}, err
	}
	return s.arrowView(ctx, viewer, arrow)
}

func (s *Service) arrowView(ctx context.Context, viewer Session, arrow store.Arrow) (ArrowView, error) {
	abstract := arrow
	if arrow.AbstractID != arrow.ID {
		parent, err := s.store.GetArrow(ctx, arrow.AbstractID)
		if err != nil {
			return ArrowView{}, err
		}
		abstract = parent
	}
	if err := s.checkView(ctx, viewer.UserID, abstract); err != nil {
		return ArrowView{}, err
	}

	view := ArrowView{Arrow: arrow}
	if s.drafts != nil {
		draft, err := s.drafts.Get(ctx, arrow.ID)
		if err != nil {
			log.Printf("load draft %s: %v", arrow.ID, err)
		} else {
			view.Draft = draft
		}
	}
	return view, nil
}

// checkView gates reads without materializing a role. Implicit roles are a
// mutation side effect only.
func (s *Service) checkView(ctx context.Context, userID string, abstract store.Arrow) error {
	role, err := s.store.GetRole(ctx, userID, abstract.ID)
	if err != nil {
		return err
	}
	actual := rbac.TierOther
	if role != nil {
		actual = rbac.Normalize(role.Type)
	}
	if !rbac.CheckPermit(rbac.Normalize(abstract.CanView), actual) {
		return errForbidden("insufficient role to view this abstract")
	}
	return nil
}

// ── mutations ──

func (s *Service) CreateArrow(ctx context.Context, viewer Session, in CreateArrowInput) (MutationResult, error) {
	arrowID, err := suppliedOrNewID(in.ID, "arw")
	if err != nil {
		return MutationResult{}, err
	}

	if in.ID != "" {
		existing, err := s.store.GetArrow(ctx, in.ID)
		if err == nil && existing.DeleteDate == nil {
			if existing.UserID != viewer.UserID {
				return MutationResult{}, errAlreadyExists("arrow id is taken")
			}
			return MutationResult{Op: "create", Arrows: []store.Arrow{existing}}, nil
		}
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return MutationResult{}, err
		}
	}

	arrow := store.Arrow{
		ID:        arrowID,
		RouteName: strings.TrimSpace(in.RouteName),
		UserID:    viewer.UserID,
	}

	var decision rbac.Decision
	var abstract store.Arrow
	inAbstract := in.AbstractID != "" && in.AbstractID != arrowID
	if inAbstract {
		abstract, err = s.store.GetArrow(ctx, in.AbstractID)
		if err != nil {
			return MutationResult{}, err
		}
		decision, err = s.authorize(ctx, viewer.UserID, abstract, abstract.CanPost)
		if err != nil {
			return MutationResult{}, err
		}
		arrow.AbstractID = abstract.ID
	}

	created, err := s.store.CreateArrow(ctx, store.CreateArrowParams{
		Arrow:       arrow,
		AdminRoleID: util.NewID("rol"),
		RootTwigID:  util.NewID("twg"),
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return MutationResult{}, errAlreadyExists("arrow id or route name is taken")
		}
		return MutationResult{}, err
	}

	if in.Draft != "" {
		s.putDraft(ctx, created.Arrow.ID, in.Draft)
	}
	s.indexArrow(created.Arrow)

	result := MutationResult{Op: "create", Arrows: []store.Arrow{created.Arrow}}
	if created.RootTwig != nil {
		result.Twigs = append(result.Twigs, *created.RootTwig)
	}
	if created.Role != nil {
		result.Role = created.Role
	} else if inAbstract {
		result.Role = s.materializeRole(ctx, viewer.UserID, abstract.ID, decision)
		s.publish(ctx, abstract.ID, in.SessionID, result)
	}
	return result, nil
}

func (s *Service) Reply(ctx context.Context, viewer Session, in ReplyInput) (MutationResult, error) {
	parent, err := s.store.GetTwig(ctx, in.ParentTwigID)
	if err != nil {
		return MutationResult{}, err
	}
	if parent.DeleteDate != nil {
		return MutationResult{}, errNotFound("parent twig is deleted")
	}
	abstract, err := s.store.GetArrow(ctx, parent.AbstractID)
	if err != nil {
		return MutationResult{}, err
	}
	decision, err := s.authorize(ctx, viewer.UserID, abstract, abstract.CanPost)
	if err != nil {
		return MutationResult{}, err
	}

	postID, err := suppliedOrNewID(in.PostID, "arw")
	if err != nil {
		return MutationResult{}, err
	}
	linkID, err := suppliedOrNewID(in.LinkID, "arw")
	if err != nil {
		return MutationResult{}, err
	}
	postTwigID, err := suppliedOrNewID(in.TwigID, "twg")
	if err != nil {
		return MutationResult{}, err
	}
	linkTwigID, err := suppliedOrNewID(in.LinkTwigID, "twg")
	if err != nil {
		return MutationResult{}, err
	}

	// A retry carrying a (twigId, postId) pair that already resolved is a
	// no-op success: hand back the records the first attempt created.
	if in.TwigID != "" {
		existing, err := s.store.GetTwig(ctx, in.TwigID)
		if err == nil && existing.DeleteDate == nil {
			if existing.DetailID != postID || existing.AbstractID != abstract.ID {
				return MutationResult{}, errAlreadyExists("twig id is taken")
			}
			return s.replayReply(ctx, abstract, parent, existing)
		}
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return MutationResult{}, err
		}
	}

	created, err := s.store.CreateReply(ctx, store.ReplyParams{
		Abstract:    abstract,
		ParentTwig:  parent,
		PostArrowID: postID,
		LinkArrowID: linkID,
		PostTwigID:  postTwigID,
		LinkTwigID:  linkTwigID,
		UserID:      viewer.UserID,
		X:           in.X,
		Y:           in.Y,
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return MutationResult{}, errAlreadyExists("arrow or twig id is taken")
		}
		return MutationResult{}, err
	}

	if in.Draft != "" {
		s.putDraft(ctx, created.PostArrow.ID, in.Draft)
	}
	s.indexArrow(created.PostArrow)
	s.indexArrow(created.LinkArrow)

	result := MutationResult{
		Op:     "reply",
		Arrows: []store.Arrow{created.PostArrow, created.LinkArrow},
		Twigs:  []store.Twig{created.PostTwig, created.LinkTwig},
		Role:   s.materializeRole(ctx, viewer.UserID, abstract.ID, decision),
	}
	s.publish(ctx, abstract.ID, in.SessionID, result)
	return result, nil
}

func (s *Service) replayReply(ctx context.Context, abstract store.Arrow, parent, postTwig store.Twig) (MutationResult, error) {
	post, err := s.store.GetArrow(ctx, postTwig.DetailID)
	if err != nil {
		return MutationResult{}, err
	}
	result := MutationResult{
		Op:     "reply",
		Arrows: []store.Arrow{post},
		Twigs:  []store.Twig{postTwig},
	}
	linkTwig, err := s.store.FindLinkTwig(ctx, abstract.ID, parent.DetailID, post.ID)
	if err != nil {
		return MutationResult{}, err
	}
	if linkTwig != nil {
		link, err := s.store.GetArrow(ctx, linkTwig.DetailID)
		if err != nil {
			return MutationResult{}, err
		}
		result.Arrows = append(result.Arrows, link)
		result.Twigs = append(result.Twigs, *linkTwig)
	}
	return result, nil
}

func (s *Service) LinkTwigs(ctx context.Context, viewer Session, in LinkInput) (MutationResult, error) {
	if in.SourceDetailID == in.TargetDetailID {
		return MutationResult{}, errInvalidArgument("link endpoints must differ")
	}
	abstract, err := s.store.GetArrow(ctx, in.AbstractID)
	if err != nil {
		return MutationResult{}, err
	}
	source, err := s.store.FindTwigByAbstractAndDetail(ctx, abstract.ID, in.SourceDetailID)
	if err != nil {
		return MutationResult{}, err
	}
	if source == nil {
		return MutationResult{}, errNotFound("source detail has no live twig in this abstract")
	}
	target, err := s.store.FindTwigByAbstractAndDetail(ctx, abstract.ID, in.TargetDetailID)
	if err != nil {
		return MutationResult{}, err
	}
	if target == nil {
		return MutationResult{}, errNotFound("target detail has no live twig in this abstract")
	}

	decision, err := s.authorize(ctx, viewer.UserID, abstract, abstract.CanEdit)
	if err != nil {
		return MutationResult{}, err
	}

	linkID, err := suppliedOrNewID(in.LinkID, "lnk")
	if err != nil {
		return MutationResult{}, err
	}
	linkTwigID, err := suppliedOrNewID(in.LinkTwigID, "twg")
	if err != nil {
		return MutationResult{}, err
	}

	existing, err := s.store.FindLinkTwig(ctx, abstract.ID, in.SourceDetailID, in.TargetDetailID)
	if err != nil {
		return MutationResult{}, err
	}
	if existing != nil {
		if in.LinkTwigID != "" && existing.ID == in.LinkTwigID {
			link, err := s.store.GetArrow(ctx, existing.DetailID)
			if err != nil {
				return MutationResult{}, err
			}
			return MutationResult{Op: "link", Arrows: []store.Arrow{link}, Twigs: []store.Twig{*existing}}, nil
		}
		return MutationResult{}, errConflict("a live link already connects these details")
	}

	created, err := s.store.CreateLink(ctx, store.LinkParams{
		Abstract:    abstract,
		SourceTwig:  *source,
		TargetTwig:  *target,
		LinkArrowID: linkID,
		LinkTwigID:  linkTwigID,
		UserID:      viewer.UserID,
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return MutationResult{}, errConflict("a live link already connects these details")
		}
		return MutationResult{}, err
	}

	s.indexArrow(created.LinkArrow)

	result := MutationResult{
		Op:     "link",
		Arrows: []store.Arrow{created.LinkArrow},
		Twigs:  []store.Twig{created.LinkTwig},
		Role:   s.materializeRole(ctx, viewer.UserID, abstract.ID, decision),
	}
	s.publish(ctx, abstract.ID, in.SessionID, result)
	return result, nil
}

func (s *Service) SelectTwig(ctx context.Context, viewer Session, twigID, sessionID string) (MutationResult, error) {
	twig, err := s.store.GetTwig(ctx, twigID)
	if err != nil {
		return MutationResult{}, err
	}
	if twig.DeleteDate != nil {
		return MutationResult{}, errNotFound("twig is deleted")
	}
	abstract, err := s.store.GetArrow(ctx, twig.AbstractID)
	if err != nil {
		return MutationResult{}, err
	}
	decision, err := s.authorize(ctx, viewer.UserID, abstract, abstract.CanView)
	if err != nil {
		return MutationResult{}, err
	}

	raised, err := s.store.RaiseTwig(ctx, abstract, twig)
	if err != nil {
		return MutationResult{}, err
	}

	result := MutationResult{
		Op:    "select",
		Twigs: raised,
		Role:  s.materializeRole(ctx, viewer.UserID, abstract.ID, decision),
	}
	if detail, err := s.store.BumpClicks(ctx, twig.DetailID); err != nil {
		log.Printf("bump clicks %s: %v", twig.DetailID, err)
	} else {
		result.Arrows = append(result.Arrows, detail)
	}
	s.publish(ctx, abstract.ID, sessionID, result)
	return result, nil
}

func (s *Service) MoveTwig(ctx context.Context, viewer Session, twigID string, in MoveInput) (MutationResult, error) {
	twig, err := s.store.GetTwig(ctx, twigID)
	if err != nil {
		return MutationResult{}, err
	}
	if twig.DeleteDate != nil {
		return MutationResult{}, errNotFound("twig is deleted")
	}
	detail, err := s.store.GetArrow(ctx, twig.DetailID)
	if err != nil {
		return MutationResult{}, err
	}
	if detail.IsLink() {
		return MutationResult{}, errInvalidArgument("a link twig's coordinates are derived from its endpoints")
	}
	abstract, err := s.store.GetArrow(ctx, twig.AbstractID)
	if err != nil {
		return MutationResult{}, err
	}
	decision, err := s.authorize(ctx, viewer.UserID, abstract, abstract.CanEdit)
	if err != nil {
		return MutationResult{}, err
	}

	moved, err := s.store.MoveTwig(ctx, twig, in.X, in.Y)
	if err != nil {
		return MutationResult{}, err
	}

	result := MutationResult{
		Op:    "move",
		Twigs: append([]store.Twig{moved.Moved}, moved.Adjusted...),
		Role:  s.materializeRole(ctx, viewer.UserID, abstract.ID, decision),
	}
	s.publish(ctx, abstract.ID, in.SessionID, result)
	return result, nil
}

func (s *Service) GraftTwig(ctx context.Context, viewer Session, twigID string, in GraftInput) (MutationResult, error) {
	twig, err := s.store.GetTwig(ctx, twigID)
	if err != nil {
		return MutationResult{}, err
	}
	if twig.DeleteDate != nil {
		return MutationResult{}, errNotFound("twig is deleted")
	}
	if twig.ParentID == nil {
		return MutationResult{}, errInvalidArgument("cannot graft an abstract's root twig")
	}
	newParent, err := s.store.GetTwig(ctx, in.NewParentTwigID)
	if err != nil {
		return MutationResult{}, err
	}
	if newParent.DeleteDate != nil {
		return MutationResult{}, errNotFound("new parent twig is deleted")
	}
	if newParent.AbstractID != twig.AbstractID {
		return MutationResult{}, errConflict("cannot graft across abstracts")
	}
	descendants, err := s.store.DescendantsOf(ctx, twig.ID)
	if err != nil {
		return MutationResult{}, err
	}
	for _, d := range descendants {
		if d.ID == newParent.ID {
			return MutationResult{}, errInvalidArgument("cannot graft a twig under its own subtree")
		}
	}

	abstract, err := s.store.GetArrow(ctx, twig.AbstractID)
	if err != nil {
		return MutationResult{}, err
	}
	decision, err := s.authorize(ctx, viewer.UserID, abstract, abstract.CanEdit)
	if err != nil {
		return MutationResult{}, err
	}

	grafted, err := s.store.GraftSubtree(ctx, twig.ID, newParent.ID, in.X, in.Y)
	if err != nil {
		return MutationResult{}, err
	}

	result := MutationResult{
		Op:    "graft",
		Twigs: append([]store.Twig{grafted.Grafted}, grafted.Adjusted...),
		Role:  s.materializeRole(ctx, viewer.UserID, abstract.ID, decision),
	}
	s.publish(ctx, abstract.ID, in.SessionID, result)
	return result, nil
}

func (s *Service) RemoveTwig(ctx context.Context, viewer Session, twigID string, in RemoveInput) (MutationResult, error) {
	twig, err := s.store.GetTwig(ctx, twigID)
	if err != nil {
		return MutationResult{}, err
	}
	if twig.DeleteDate != nil {
		return MutationResult{}, errNotFound("twig is already deleted")
	}
	if twig.ParentID == nil {
		return MutationResult{}, errInvalidArgument("cannot remove an abstract's root twig")
	}
	abstract, err := s.store.GetArrow(ctx, twig.AbstractID)
	if err != nil {
		return MutationResult{}, err
	}
	decision, err := s.authorize(ctx, viewer.UserID, abstract, abstract.CanEdit)
	if err != nil {
		return MutationResult{}, err
	}

	now := time.Now().UTC()
	result := MutationResult{Op: "remove"}
	if in.Cascade {
		deleted, err := s.store.SoftDeleteSubtree(ctx, twig.ID, now)
		if err != nil {
			return MutationResult{}, err
		}
		result.Deleted = deleted
	} else {
		lifted, err := s.store.RemoveTwigLift(ctx, twig, now)
		if err != nil {
			return MutationResult{}, err
		}
		result.Deleted = []store.Twig{lifted.Deleted}
		result.Twigs = lifted.Lifted
	}
	result.Role = s.materializeRole(ctx, viewer.UserID, abstract.ID, decision)
	for _, d := range result.Deleted {
		s.indexRemoved(ctx, d.DetailID)
	}
	s.publish(ctx, abstract.ID, in.SessionID, result)
	return result, nil
}

func (s *Service) OpenTwig(ctx context.Context, viewer Session, twigID string, in OpenInput) (MutationResult, error) {
	twig, err := s.store.GetTwig(ctx, twigID)
	if err != nil {
		return MutationResult{}, err
	}
	if twig.DeleteDate != nil {
		return MutationResult{}, errNotFound("twig is deleted")
	}
	abstract, err := s.store.GetArrow(ctx, twig.AbstractID)
	if err != nil {
		return MutationResult{}, err
	}
	decision, err := s.authorize(ctx, viewer.UserID, abstract, abstract.CanEdit)
	if err != nil {
		return MutationResult{}, err
	}

	updated, err := s.store.SetTwigOpen(ctx, twig.ID, in.IsOpen)
	if err != nil {
		return MutationResult{}, err
	}

	result := MutationResult{
		Op:    "open",
		Twigs: []store.Twig{updated},
		Role:  s.materializeRole(ctx, viewer.UserID, abstract.ID, decision),
	}
	s.publish(ctx, abstract.ID, in.SessionID, result)
	return result, nil
}

// SaveDraft stores an arrow's opaque draft blob. Only the arrow's owner or
// an abstract editor may replace it.
func (s *Service) SaveDraft(ctx context.Context, viewer Session, arrowID, draft string) error {
	arrow, err := s.store.GetArrow(ctx, arrowID)
	if err != nil {
		return err
	}
	if arrow.UserID != viewer.UserID {
		abstract, err := s.store.GetArrow(ctx, arrow.AbstractID)
		if err != nil {
			return err
		}
		if _, err := s.authorize(ctx, viewer.UserID, abstract, abstract.CanEdit); err != nil {
			return err
		}
	}
	if s.drafts == nil {
		return nil
	}
	return s.drafts.Put(ctx, arrowID, draft)
}

// ── helpers ──

// authorize resolves the viewer's role on the abstract and evaluates it
// against the required capability tier. The returned decision carries
// whether an implicit OTHER role should be materialized after the mutation
// commits.
func (s *Service) authorize(ctx context.Context, userID string, abstract store.Arrow, required string) (rbac.Decision, error) {
	role, err := s.store.GetRole(ctx, userID, abstract.ID)
	if err != nil {
		return rbac.Decision{}, err
	}
	actual := rbac.TierOther
	if role != nil {
		actual = rbac.Normalize(role.Type)
	}
	decision := rbac.Evaluate(rbac.Normalize(required), actual, role != nil)
	if !decision.Allowed {
		return decision, errForbidden("insufficient role for this action")
	}
	return decision, nil
}

// materializeRole persists the implicit OTHER role a permitted roleless
// mutation produces. Failure is logged, never fatal: the mutation already
// committed.
func (s *Service) materializeRole(ctx context.Context, userID, abstractID string, decision rbac.Decision) *store.Role {
	if !decision.CreateImplicit {
		return nil
	}
	role, err := s.store.CreateRole(ctx, store.Role{
		ID:      util.NewID("rol"),
		UserID:  userID,
		ArrowID: abstractID,
		Type:    string(rbac.TierOther),
	})
	if err != nil {
		log.Printf("implicit role for %s on %s: %v", userID, abstractID, err)
		return nil
	}
	return &role
}

// publish fans a committed mutation out to the abstract's channel. It runs
// strictly after the store transaction; a failed publish is logged and the
// caller still gets its result.
func (s *Service) publish(ctx context.Context, abstractID, sessionID string, result MutationResult) {
	if s.fanout == nil {
		return
	}
	payload, err := json.Marshal(result)
	if err != nil {
		log.Printf("encode %s fanout for %s: %v", result.Op, abstractID, err)
		return
	}
	if err := s.fanout.Publish(ctx, fanout.Message{
		AbstractID: abstractID,
		SessionID:  sessionID,
		Op:         result.Op,
		Result:     payload,
	}); err != nil {
		log.Printf("publish %s on %s: %v", result.Op, abstractID, err)
	}
}

func (s *Service) putDraft(ctx context.Context, arrowID, draft string) {
	if s.drafts == nil {
		return
	}
	if err := s.drafts.Put(ctx, arrowID, draft); err != nil {
		log.Printf("store draft %s: %v", arrowID, err)
	}
}

func (s *Service) indexArrow(arrow store.Arrow) {
	if s.search == nil {
		return
	}
	s.search.IndexArrow(search.ArrowRecord{
		ID:         arrow.ID,
		RouteName:  arrow.RouteName,
		UserID:     arrow.UserID,
		AbstractID: arrow.AbstractID,
		IsLink:     arrow.IsLink(),
	})
}

func (s *Service) indexRemoved(ctx context.Context, arrowID string) {
	if s.search == nil {
		return
	}
	arrow, err := s.store.GetArrow(ctx, arrowID)
	if err != nil {
		return
	}
	s.search.IndexArrow(search.ArrowRecord{
		ID:         arrow.ID,
		RouteName:  arrow.RouteName,
		UserID:     arrow.UserID,
		AbstractID: arrow.AbstractID,
		IsLink:     arrow.IsLink(),
		Deleted:    true,
	})
}

// suppliedOrNewID validates a caller-supplied id or mints a fresh one.
func suppliedOrNewID(id, prefix string) (string, error) {
	if id == "" {
		return util.NewID(prefix), nil
	}
	if !wellFormedID(id) {
		return "", errInvalidArgument("malformed id: " + id)
	}
	return id, nil
}

func wellFormedID(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}
	for _, ch := range id {
		switch {
		case ch >= 'a' && ch <= 'z':
		case ch >= 'A' && ch <= 'Z':
		case ch >= '0' && ch <= '9':
		case ch == '_' || ch == '-':
		default:
			return false
		}
	}
	return true
}
