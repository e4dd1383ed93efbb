package token

import (
	"strconv"
	"strings"
)

// EntityKind is the GitLab object a token hangs off.
type EntityKind int

const (
	EntityProject EntityKind = iota
	EntityGroup
	EntityUser
)

func (k EntityKind) String() string {
	switch k {
	case EntityProject:
		return "project"
	case EntityGroup:
		return "group"
	case EntityUser:
		return "user"
	default:
		return "unknown"
	}
}

// EntityRef is one scanned project, group or user. Valid for a single cycle.
type EntityRef struct {
	ID     int
	Kind   EntityKind
	Path   string
	WebURL string
	Owned  bool
}

// Kind is the token variant.
type Kind int

const (
	ProjectAccessToken Kind = iota
	GroupAccessToken
	PersonalAccessToken
)

func (k Kind) String() string {
	switch k {
	case ProjectAccessToken:
		return "project"
	case GroupAccessToken:
		return "group"
	case PersonalAccessToken:
		return "user"
	default:
		return "unknown"
	}
}

// KindFor maps an entity kind to the token variant it carries.
func KindFor(e EntityKind) Kind {
	switch e {
	case EntityGroup:
		return GroupAccessToken
	case EntityUser:
		return PersonalAccessToken
	default:
		return ProjectAccessToken
	}
}

// AccessLevel mirrors GitLab's numeric member roles. Zero means "not applicable".
type AccessLevel int

const (
	NoAccess   AccessLevel = 0
	Guest      AccessLevel = 10
	Reporter   AccessLevel = 20
	Developer  AccessLevel = 30
	Maintainer AccessLevel = 40
	Owner      AccessLevel = 50
)

func (a AccessLevel) String() string {
	switch a {
	case NoAccess:
		return ""
	case Guest:
		return "guest"
	case Reporter:
		return "reporter"
	case Developer:
		return "developer"
	case Maintainer:
		return "maintainer"
	case Owner:
		return "owner"
	default:
		return strconv.Itoa(int(a))
	}
}

// Token is one access token found on an entity.
// AccessLevel is only set for project and group tokens; ExpiresAt is the raw
// YYYY-MM-DD date returned by GitLab and is empty for non-expiring tokens.
type Token struct {
	ID          int
	Name        string
	Kind        Kind
	Scopes      []string
	AccessLevel AccessLevel
	ExpiresAt   string
	Active      bool
	Revoked     bool
	Path        string
	WebURL      string
}

// HasExpiry reports whether GitLab returned an expiration date.
func (t Token) HasExpiry() bool { return strings.TrimSpace(t.ExpiresAt) != "" }

// ScopeList renders scopes as "[a,b]".
func (t Token) ScopeList() string {
	return "[" + strings.Join(t.Scopes, ",") + "]"
}
