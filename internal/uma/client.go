package uma

import (
	"context"
	"fmt"
	"net/http"

	"github.com/ubuntu/casprobe/internal/casclient"
	"github.com/ubuntu/casprobe/internal/consts"
	"github.com/ubuntu/decorate"
)

// Client manages resource sets and policies on behalf of the owner of accessToken.
type Client struct {
	cas   *casclient.Client
	token string
}

// New returns a client authenticating with accessToken, which must carry the uma_protection scope.
func New(cas *casclient.Client, accessToken string) *Client {
	return &Client{cas: cas, token: accessToken}
}

// ResourceSetPath returns the path of the resource set with the given id.
func ResourceSetPath(resourceID string) string {
	return fmt.Sprintf("%s/%s", consts.ResourceSetPath, resourceID)
}

// PolicyPath returns the path of the policy collection of a resource set.
func PolicyPath(resourceID string) string {
	return fmt.Sprintf("/oauth2.0/%s/policy", resourceID)
}

func policyItemPath(resourceID string, policyID int64) string {
	return fmt.Sprintf("%s/%d", PolicyPath(resourceID), policyID)
}

func (c *Client) call(ctx context.Context, method, path string, body any) (Response, error) {
	resp, err := c.cas.Do(ctx, casclient.Request{
		Method: method,
		Path:   path,
		Bearer: c.token,
		JSON:   body,
	})
	if err != nil {
		return Response{}, err
	}

	return ParseResponse(resp.Body)
}

// CreateResource registers rs.
func (c *Client) CreateResource(ctx context.Context, rs ResourceSet) (r Response, err error) {
	defer decorate.OnError(&err, "could not create resource set %q", rs.Name)
	return c.call(ctx, http.MethodPost, consts.ResourceSetPath, rs)
}

// GetResource fetches a registered resource set.
func (c *Client) GetResource(ctx context.Context, resourceID string) (r Response, err error) {
	defer decorate.OnError(&err, "could not fetch resource set %s", resourceID)
	return c.call(ctx, http.MethodGet, ResourceSetPath(resourceID), nil)
}

// DeleteResource removes a resource set with all its policies.
func (c *Client) DeleteResource(ctx context.Context, resourceID string) (r Response, err error) {
	defer decorate.OnError(&err, "could not delete resource set %s", resourceID)
	return c.call(ctx, http.MethodDelete, ResourceSetPath(resourceID), nil)
}

// CreatePolicy attaches p to a resource set.
func (c *Client) CreatePolicy(ctx context.Context, resourceID string, p Policy) (r Response, err error) {
	defer decorate.OnError(&err, "could not create policy %d", p.ID)
	return c.call(ctx, http.MethodPost, PolicyPath(resourceID), p)
}

// GetPolicy fetches a single policy of a resource set.
func (c *Client) GetPolicy(ctx context.Context, resourceID string, policyID int64) (r Response, err error) {
	defer decorate.OnError(&err, "could not fetch policy %d", policyID)
	return c.call(ctx, http.MethodGet, policyItemPath(resourceID, policyID), nil)
}

// ListPolicies fetches every policy of a resource set.
func (c *Client) ListPolicies(ctx context.Context, resourceID string) (r Response, err error) {
	defer decorate.OnError(&err, "could not list policies of resource set %s", resourceID)
	return c.call(ctx, http.MethodGet, PolicyPath(resourceID), nil)
}

// UpdatePolicy replaces the permissions of the policy with p's id by p's permissions.
func (c *Client) UpdatePolicy(ctx context.Context, resourceID string, p Policy) (r Response, err error) {
	defer decorate.OnError(&err, "could not update policy %d", p.ID)
	return c.call(ctx, http.MethodPut, policyItemPath(resourceID, p.ID), p)
}

// DeletePolicy removes a policy from a resource set.
func (c *Client) DeletePolicy(ctx context.Context, resourceID string, policyID int64) (r Response, err error) {
	defer decorate.OnError(&err, "could not delete policy %d", policyID)
	return c.call(ctx, http.MethodDelete, policyItemPath(resourceID, policyID), nil)
}
