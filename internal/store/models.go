package store

import "time"

// Arrow is one hypergraph element. An arrow whose source and target both
// point at itself is a bare post; an arrow whose source and target differ is
// a link between two other arrows. Every arrow also names the abstract (the
// arrow whose sub-graph it lives in); an arrow outside any explicit
// sub-graph is its own abstract.
type Arrow struct {
	ID         string     `json:"id"`
	RouteName  string     `json:"routeName"`
	UserID     string     `json:"userId"`
	SourceID   *string    `json:"sourceId"`
	TargetID   *string    `json:"targetId"`
	AbstractID string     `json:"abstractId"`
	TwigN      int        `json:"twigN"`
	TwigZ      int        `json:"twigZ"`
	CanEdit    string     `json:"canEdit"`
	CanPost    string     `json:"canPost"`
	CanTalk    string     `json:"canTalk"`
	CanHear    string     `json:"canHear"`
	CanView    string     `json:"canView"`
	InCount    int        `json:"inCount"`
	OutCount   int        `json:"outCount"`
	Weight     int        `json:"weight"`
	Clicks     int        `json:"clicks"`
	Tokens     int        `json:"tokens"`
	CommitDate time.Time  `json:"commitDate"`
	RemoveDate *time.Time `json:"removeDate,omitempty"`
	DeleteDate *time.Time `json:"deleteDate,omitempty"`
}

// IsLink reports whether the arrow is an edge between two distinct arrows.
func (a Arrow) IsLink() bool {
	if a.SourceID == nil || a.TargetID == nil {
		return false
	}
	return *a.SourceID != *a.TargetID
}

// Twig display modes. They affect only client layout, never tree shape.
const (
	DisplayModeScattered  = "SCATTERED"
	DisplayModeHorizontal = "HORIZONTAL"
	DisplayModeVertical   = "VERTICAL"
)

// Twig is one positioned occurrence of an arrow inside one abstract's tree.
// The same arrow may appear as a twig in many abstracts, but at most once
// live per abstract.
type Twig struct {
	ID          string     `json:"id"`
	AbstractID  string     `json:"abstractId"`
	DetailID    string     `json:"detailId"`
	UserID      string     `json:"userId"`
	ParentID    *string    `json:"parentId"`
	I           int        `json:"i"`
	X           int        `json:"x"`
	Y           int        `json:"y"`
	Z           int        `json:"z"`
	IsOpen      bool       `json:"isOpen"`
	DisplayMode string     `json:"displayMode"`
	CreateDate  time.Time  `json:"createDate"`
	DeleteDate  *time.Time `json:"deleteDate,omitempty"`
}

// Role is one user's membership record on one abstract.
type Role struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	ArrowID     string    `json:"arrowId"`
	Type        string    `json:"type"`
	IsInvited   bool      `json:"isInvited"`
	IsRequested bool      `json:"isRequested"`
	CreateDate  time.Time `json:"createDate"`
}

type User struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	CreatedAt   time.Time `json:"createdAt"`
}
