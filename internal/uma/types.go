// Package uma manages UMA resource sets and their permission policies through the CAS REST API.
package uma

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"slices"
)

// ResourceSet is a protected resource registered by its owner.
type ResourceSet struct {
	ID       int64    `json:"id,omitempty"`
	URI      string   `json:"uri"`
	Type     string   `json:"type"`
	Name     string   `json:"name"`
	Scopes   []string `json:"resource_scopes"`
	Owner    string   `json:"owner,omitempty"`
	ClientID string   `json:"clientId,omitempty"`
	Policies []Policy `json:"policies,omitempty"`
}

// Policy groups the permissions granted on a resource set. Its ID is chosen by the client.
type Policy struct {
	ID          int64        `json:"id"`
	Permissions []Permission `json:"permissions"`
}

// Permission grants scopes of a resource set to a subject, with the claims required from it.
type Permission struct {
	ID      int64          `json:"id"`
	Subject string         `json:"subject"`
	Scopes  []string       `json:"scopes"`
	Claims  map[string]any `json:"claims,omitempty"`
}

// Equal reports whether both policies grant exactly the same permissions, regardless of their order.
// Permission ids must be unique within a policy.
func (p Policy) Equal(o Policy) bool {
	if p.ID != o.ID || len(p.Permissions) != len(o.Permissions) {
		return false
	}

	byID := make(map[int64]Permission, len(o.Permissions))
	for _, perm := range o.Permissions {
		if _, dup := byID[perm.ID]; dup {
			return false
		}
		byID[perm.ID] = perm
	}
	for _, perm := range p.Permissions {
		other, ok := byID[perm.ID]
		if !ok || !perm.Equal(other) {
			return false
		}
		delete(byID, perm.ID)
	}
	return true
}

// Equal reports whether both permissions are identical, regardless of the scope order.
func (p Permission) Equal(o Permission) bool {
	if p.ID != o.ID || p.Subject != o.Subject {
		return false
	}

	a, b := slices.Clone(p.Scopes), slices.Clone(o.Scopes)
	slices.Sort(a)
	slices.Sort(b)
	if !slices.Equal(a, b) {
		return false
	}

	if len(p.Claims) == 0 && len(o.Claims) == 0 {
		return true
	}
	return reflect.DeepEqual(p.Claims, o.Claims)
}

// ContainsPolicy reports whether policies hold one with the given id.
func ContainsPolicy(policies []Policy, id int64) bool {
	return slices.ContainsFunc(policies, func(p Policy) bool { return p.ID == id })
}

// FindPolicy returns the policy with the given id.
func FindPolicy(policies []Policy, id int64) (Policy, bool) {
	i := slices.IndexFunc(policies, func(p Policy) bool { return p.ID == id })
	if i < 0 {
		return Policy{}, false
	}
	return policies[i], true
}

// Response is the answer of a resource set or policy call. CAS wraps it in an envelope
// carrying the entity, but the resource itself may also be returned without one.
type Response struct {
	// Code is the status CAS echoes, either as a number or as a status name like "CREATED".
	Code       json.RawMessage `json:"code,omitempty"`
	Entity     json.RawMessage `json:"entity,omitempty"`
	Location   string          `json:"location,omitempty"`
	ResourceID json.Number     `json:"resourceId,omitempty"`

	body   json.RawMessage
	fields map[string]json.RawMessage
}

// envelopeFields are the keys only found in the CAS envelope.
var envelopeFields = []string{"code", "entity", "location", "resourceId"}

// UnmarshalJSON accepts any JSON value, keeping the body for answers sent without envelope.
func (r *Response) UnmarshalJSON(data []byte) error {
	type envelope Response

	trimmed := bytes.TrimSpace(data)
	var e envelope
	var fields map[string]json.RawMessage
	if len(trimmed) > 0 && trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &fields); err != nil {
			return err
		}
		if err := json.Unmarshal(trimmed, &e); err != nil {
			return err
		}
	}

	*r = Response(e)
	r.body = slices.Clone(trimmed)
	r.fields = fields
	return nil
}

// ParseResponse decodes body as returned by a resource set or policy call.
func ParseResponse(body []byte) (Response, error) {
	var r Response
	if err := json.Unmarshal(body, &r); err != nil {
		return Response{}, fmt.Errorf("could not decode response body: %w", err)
	}
	return r, nil
}

// payload returns the entity, or the whole body when it is not an envelope.
func (r Response) payload() json.RawMessage {
	if !isNull(r.Entity) {
		return bytes.TrimSpace(r.Entity)
	}
	if len(r.body) == 0 || isNull(r.body) {
		return nil
	}
	if r.body[0] != '{' {
		return r.body
	}
	for _, k := range envelopeFields {
		if _, ok := r.fields[k]; ok {
			return nil
		}
	}
	return r.body
}

// ResourceSet decodes the entity as a resource set.
func (r Response) ResourceSet() (ResourceSet, error) {
	var rs ResourceSet
	if err := decodeEntity(r.payload(), &rs); err != nil {
		return ResourceSet{}, err
	}
	return rs, nil
}

// ResourceSetID returns the identifier of the resource set the response is about.
func (r Response) ResourceSetID() (string, error) {
	if r.ResourceID != "" {
		return r.ResourceID.String(), nil
	}

	rs, err := r.ResourceSet()
	if err != nil {
		return "", err
	}
	if rs.ID == 0 {
		return "", errors.New("response carries no resource set identifier")
	}
	return fmt.Sprint(rs.ID), nil
}

// Policy decodes the entity as a single policy.
func (r Response) Policy() (Policy, error) {
	var p Policy
	if err := decodeEntity(r.payload(), &p); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Policies decodes the policies carried by the entity, which is a list of policies,
// a single policy or a resource set echoing its policies. A missing entity is an empty list.
func (r Response) Policies() ([]Policy, error) {
	data := r.payload()
	if len(data) == 0 {
		return nil, nil
	}

	if data[0] == '[' {
		var policies []Policy
		if err := decodeEntity(data, &policies); err != nil {
			return nil, err
		}
		return policies, nil
	}

	if data[0] == '{' {
		var keys map[string]json.RawMessage
		if err := json.Unmarshal(data, &keys); err == nil {
			if _, ok := keys["permissions"]; ok {
				p, err := r.Policy()
				if err != nil {
					return nil, err
				}
				return []Policy{p}, nil
			}
		}
	}

	rs, err := r.ResourceSet()
	if err != nil {
		return nil, err
	}
	return rs.Policies, nil
}

func isNull(data json.RawMessage) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) == 0 || string(trimmed) == "null"
}

func decodeEntity(entity json.RawMessage, v any) error {
	if isNull(entity) {
		return errors.New("response has no entity")
	}
	if err := json.Unmarshal(entity, v); err != nil {
		return fmt.Errorf("could not decode response entity: %w", err)
	}
	return nil
}
