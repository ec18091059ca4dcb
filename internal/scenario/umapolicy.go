package scenario

import (
	"context"
	"slices"

	"github.com/ubuntu/casprobe/internal/casclient"
	"github.com/ubuntu/casprobe/internal/consts"
	"github.com/ubuntu/casprobe/internal/log"
	"github.com/ubuntu/casprobe/internal/profile"
	"github.com/ubuntu/casprobe/internal/uma"
)

// UMAPolicyManagement walks a permission policy through its whole lifecycle on a freshly
// registered resource set: creation, lookup, listing, full replacement and deletion.
type UMAPolicyManagement struct{}

// Name is the name of the scenario.
func (UMAPolicyManagement) Name() string {
	return "uma-policy-management"
}

// Description is a one line summary of what the scenario checks.
func (UMAPolicyManagement) Description() string {
	return "UMA resource set registration and permission policy create, read, update and delete"
}

// resourceSet is the resource set the policies are attached to.
func resourceSet(p profile.UMA) uma.ResourceSet {
	return uma.ResourceSet{
		URI:    p.ResourceURI,
		Type:   p.ResourceType,
		Name:   p.ResourceName,
		Scopes: p.ResourceScopes,
	}
}

// initialPolicy grants every resource scope to the resource owner, one permission per scope.
func initialPolicy(p profile.UMA) uma.Policy {
	policy := uma.Policy{ID: p.PolicyID}
	for i, scope := range p.ResourceScopes {
		policy.Permissions = append(policy.Permissions, uma.Permission{
			ID:      int64(i + 1),
			Subject: p.Username,
			Scopes:  []string{scope},
			Claims:  map[string]any{"first_name": "CAS", "last_name": "User"},
		})
	}
	return policy
}

// updatedPolicy keeps a single permission with different claims, so that a merge with
// initialPolicy can be told apart from a replacement.
func updatedPolicy(p profile.UMA) uma.Policy {
	scope := "read"
	if len(p.ResourceScopes) > 0 && !slices.Contains(p.ResourceScopes, scope) {
		scope = p.ResourceScopes[0]
	}
	return uma.Policy{
		ID: p.PolicyID,
		Permissions: []uma.Permission{{
			ID:      1,
			Subject: p.Username,
			Scopes:  []string{scope},
			Claims:  map[string]any{"first_name": "Apereo", "last_name": "CAS"},
		}},
	}
}

// Run runs the scenario.
func (UMAPolicyManagement) Run(ctx context.Context, env *Env) error {
	p := env.Profile.UMA
	initial, updated := initialPolicy(p), updatedPolicy(p)

	var client *uma.Client
	if err := env.Step(ctx, "Obtain protection API token", func(ctx context.Context) error {
		tok, err := env.CAS.PasswordToken(ctx, casclient.PasswordGrant{
			ClientID:     p.ClientID,
			ClientSecret: p.ClientSecret,
			Username:     p.Username,
			Password:     p.Password,
			Scopes:       []string{consts.UMAProtectionScope},
		})
		if err != nil {
			return err
		}
		if err := assertf(tok.AccessToken != "", "token response has no access_token"); err != nil {
			return err
		}
		client = uma.New(env.CAS, tok.AccessToken)
		return nil
	}); err != nil {
		return err
	}

	var resourceID string
	if err := env.Step(ctx, "Register resource set", func(ctx context.Context) error {
		resp, err := client.CreateResource(ctx, resourceSet(p))
		if err != nil {
			return err
		}
		id, err := resp.ResourceSetID()
		if err != nil {
			return &AssertionError{Message: err.Error()}
		}
		resourceID = id
		return assertf(resourceID != "", "resourceId is empty")
	}); err != nil {
		return err
	}
	defer func() {
		// The resource set is not part of the checked contract, only clean after ourselves.
		if _, err := client.DeleteResource(context.WithoutCancel(ctx), resourceID); err != nil {
			log.Warningf(ctx, "Could not remove resource set %s: %v", resourceID, err)
		}
	}()

	if err := env.Step(ctx, "Create policy", func(ctx context.Context) error {
		resp, err := client.CreatePolicy(ctx, resourceID, initial)
		if err != nil {
			return err
		}
		policies, err := resp.Policies()
		if err != nil {
			return &AssertionError{Message: err.Error()}
		}
		return assertf(uma.ContainsPolicy(policies, initial.ID), "created policy %d is not echoed in %v", initial.ID, policies)
	}); err != nil {
		return err
	}

	if err := env.Step(ctx, "Fetch created policy", func(ctx context.Context) error {
		return fetchAndCompare(ctx, client, resourceID, initial)
	}); err != nil {
		return err
	}

	if err := env.Step(ctx, "List policies", func(ctx context.Context) error {
		policies, err := listPolicies(ctx, client, resourceID)
		if err != nil {
			return err
		}
		got, ok := uma.FindPolicy(policies, initial.ID)
		if err := assertf(ok, "policy %d is not listed in %v", initial.ID, policies); err != nil {
			return err
		}
		return assertf(got.Equal(initial), "listed policy is %+v, want %+v", got, initial)
	}); err != nil {
		return err
	}

	if err := env.Step(ctx, "Replace policy", func(ctx context.Context) error {
		_, err := client.UpdatePolicy(ctx, resourceID, updated)
		return err
	}); err != nil {
		return err
	}

	if err := env.Step(ctx, "Fetch replaced policy", func(ctx context.Context) error {
		return fetchAndCompare(ctx, client, resourceID, updated)
	}); err != nil {
		return err
	}

	if err := env.Step(ctx, "Delete policy", func(ctx context.Context) error {
		_, err := client.DeletePolicy(ctx, resourceID, initial.ID)
		return err
	}); err != nil {
		return err
	}

	return env.Step(ctx, "Deleted policy is not listed", func(ctx context.Context) error {
		policies, err := listPolicies(ctx, client, resourceID)
		if err != nil {
			return err
		}
		return assertf(!uma.ContainsPolicy(policies, initial.ID), "policy %d is still listed after deletion", initial.ID)
	})
}

func fetchAndCompare(ctx context.Context, client *uma.Client, resourceID string, want uma.Policy) error {
	resp, err := client.GetPolicy(ctx, resourceID, want.ID)
	if err != nil {
		return err
	}
	got, err := resp.Policy()
	if err != nil {
		return &AssertionError{Message: err.Error()}
	}
	return assertf(got.Equal(want), "fetched policy is %+v, want %+v", got, want)
}

func listPolicies(ctx context.Context, client *uma.Client, resourceID string) ([]uma.Policy, error) {
	resp, err := client.ListPolicies(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	policies, err := resp.Policies()
	if err != nil {
		return nil, &AssertionError{Message: err.Error()}
	}
	return policies, nil
}
