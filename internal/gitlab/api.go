package gitlab

import (
	"context"
	"fmt"
	"iter"
	"net/url"
	"strconv"

	"tokenexporter.org/internal/token"
)

func ownershipFilter(ownedOnly bool) url.Values {
	q := url.Values{}
	q.Set("archived", "false")
	if ownedOnly {
		q.Set("min_access_level", strconv.Itoa(int(token.Owner)))
	}
	return q
}

// Projects enumerates non-archived projects visible to the credential.
func (c *Client) Projects(ctx context.Context, ownedOnly bool) iter.Seq2[[]Project, error] {
	return Paginate[Project](ctx, c, "/projects", listQuery(ownershipFilter(ownedOnly)))
}

// Groups enumerates non-archived groups visible to the credential.
func (c *Client) Groups(ctx context.Context, ownedOnly bool) iter.Seq2[[]Group, error] {
	return Paginate[Group](ctx, c, "/groups", listQuery(ownershipFilter(ownedOnly)))
}

// Users enumerates users, internal accounts excluded.
func (c *Client) Users(ctx context.Context) iter.Seq2[[]User, error] {
	q := url.Values{}
	q.Set("exclude_internal", "true")
	return Paginate[User](ctx, c, "/users", listQuery(q))
}

// ProjectTokens lists every access token of one project.
func (c *Client) ProjectTokens(ctx context.Context, projectID int) ([]AccessToken, error) {
	path := fmt.Sprintf("/projects/%d/access_tokens", projectID)
	return CollectAll(Paginate[AccessToken](ctx, c, path, listQuery(nil)))
}

// GroupTokens lists every access token of one group.
func (c *Client) GroupTokens(ctx context.Context, groupID int) ([]AccessToken, error) {
	path := fmt.Sprintf("/groups/%d/access_tokens", groupID)
	return CollectAll(Paginate[AccessToken](ctx, c, path, listQuery(nil)))
}

// UserTokens lists every personal access token of one user. Requires an
// administrator credential for users other than the caller.
func (c *Client) UserTokens(ctx context.Context, userID int) ([]PersonalAccessToken, error) {
	q := url.Values{}
	q.Set("user_id", strconv.Itoa(userID))
	return CollectAll(Paginate[PersonalAccessToken](ctx, c, "/personal_access_tokens", listQuery(q)))
}

// Group fetches a single group.
func (c *Client) Group(ctx context.Context, groupID int) (Group, error) {
	var g Group
	err := c.getJSON(ctx, c.endpoint(fmt.Sprintf("/groups/%d", groupID), nil), &g)
	return g, err
}

// CurrentUser returns the user owning the credential.
func (c *Client) CurrentUser(ctx context.Context) (User, error) {
	var u User
	err := c.getJSON(ctx, c.endpoint("/user", nil), &u)
	return u, err
}

func (c *Client) getJSON(ctx context.Context, rawURL string, v any) error {
	p, err := c.get(ctx, rawURL)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(p.body, v); err != nil {
		return fmt.Errorf("decode %s: %w", redact(rawURL), err)
	}
	return nil
}
