package gitlab

import "tokenexporter.org/internal/token"

// Project is the subset of https://docs.gitlab.com/api/projects/ we need.
type Project struct {
	ID                int    `json:"id"`
	PathWithNamespace string `json:"path_with_namespace"`
	WebURL            string `json:"web_url"`
}

// Group is the subset of https://docs.gitlab.com/api/groups/ we need.
// FullPath is normally present; ParentID allows walking up when it is not.
type Group struct {
	ID       int    `json:"id"`
	ParentID *int   `json:"parent_id"`
	Path     string `json:"path"`
	FullPath string `json:"full_path"`
	WebURL   string `json:"web_url"`
}

// User is the subset of https://docs.gitlab.com/api/users/ we need.
// IsAdmin is only populated when the caller is an administrator.
type User struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
	WebURL   string `json:"web_url"`
	IsAdmin  bool   `json:"is_admin"`
	Bot      bool   `json:"bot"`
}

// AccessToken is a project or group access token.
type AccessToken struct {
	ID          int      `json:"id"`
	Name        string   `json:"name"`
	Scopes      []string `json:"scopes"`
	AccessLevel int      `json:"access_level"`
	ExpiresAt   *string  `json:"expires_at"`
	Active      bool     `json:"active"`
	Revoked     bool     `json:"revoked"`
}

// PersonalAccessToken is a user's personal access token.
type PersonalAccessToken struct {
	ID        int      `json:"id"`
	Name      string   `json:"name"`
	Scopes    []string `json:"scopes"`
	ExpiresAt *string  `json:"expires_at"`
	Active    bool     `json:"active"`
	Revoked   bool     `json:"revoked"`
	UserID    int      `json:"user_id"`
}

// ToToken converts a project or group token owned by e.
func (t AccessToken) ToToken(e token.EntityRef) token.Token {
	return token.Token{
		ID:          t.ID,
		Name:        t.Name,
		Kind:        token.KindFor(e.Kind),
		Scopes:      t.Scopes,
		AccessLevel: token.AccessLevel(t.AccessLevel),
		ExpiresAt:   deref(t.ExpiresAt),
		Active:      t.Active,
		Revoked:     t.Revoked,
		Path:        e.Path,
		WebURL:      e.WebURL,
	}
}

// ToToken converts a personal access token owned by e.
func (t PersonalAccessToken) ToToken(e token.EntityRef) token.Token {
	return token.Token{
		ID:        t.ID,
		Name:      t.Name,
		Kind:      token.PersonalAccessToken,
		Scopes:    t.Scopes,
		ExpiresAt: deref(t.ExpiresAt),
		Active:    t.Active,
		Revoked:   t.Revoked,
		Path:      e.Path,
		WebURL:    e.WebURL,
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
