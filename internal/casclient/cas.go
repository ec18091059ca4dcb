package casclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ubuntu/casprobe/internal/consts"
	"github.com/ubuntu/decorate"
)

// Assertion is the outcome of a successful service ticket validation.
type Assertion struct {
	User string
	// Attributes are always lists, whether CAS released a single value or several.
	Attributes map[string][]string
}

// Attribute returns all values released for name.
func (a Assertion) Attribute(name string) []string {
	return a.Attributes[name]
}

// FirstAttribute returns the first value released for name.
func (a Assertion) FirstAttribute(name string) (string, bool) {
	values := a.Attributes[name]
	if len(values) == 0 {
		return "", false
	}
	return values[0], true
}

// MissingAttributes returns, in order, the names that were not released at all.
func (a Assertion) MissingAttributes(names []string) []string {
	var missing []string
	for _, n := range names {
		if _, ok := a.Attributes[n]; !ok {
			missing = append(missing, n)
		}
	}
	return missing
}

// TicketValidationError is an authenticationFailure answered by CAS.
type TicketValidationError struct {
	Code        string
	Description string
}

func (e *TicketValidationError) Error() string {
	return fmt.Sprintf("ticket validation failed with %s: %s", e.Code, e.Description)
}

type serviceResponse struct {
	ServiceResponse struct {
		AuthenticationSuccess *struct {
			User       string         `json:"user"`
			Attributes map[string]any `json:"attributes"`
		} `json:"authenticationSuccess"`
		AuthenticationFailure *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"authenticationFailure"`
	} `json:"serviceResponse"`
}

// ValidateServiceTicket exchanges ticket for the authentication assertion of service using the CAS v3 protocol.
func (c *Client) ValidateServiceTicket(ctx context.Context, service, ticket string) (a Assertion, err error) {
	defer decorate.OnError(&err, "could not validate service ticket")

	if ticket == "" {
		return Assertion{}, errors.New("empty ticket")
	}

	resp, err := c.Do(ctx, Request{
		Path: consts.ServiceValidatePath,
		Query: url.Values{
			"service": {service},
			"ticket":  {ticket},
			"format":  {"JSON"},
		},
	})
	if err != nil {
		return Assertion{}, err
	}

	var sr serviceResponse
	if err := resp.Decode(&sr); err != nil {
		return Assertion{}, err
	}

	if f := sr.ServiceResponse.AuthenticationFailure; f != nil {
		return Assertion{}, &TicketValidationError{Code: f.Code, Description: f.Description}
	}
	s := sr.ServiceResponse.AuthenticationSuccess
	if s == nil {
		return Assertion{}, errors.New("response has neither authenticationSuccess nor authenticationFailure")
	}

	a = Assertion{User: s.User, Attributes: make(map[string][]string, len(s.Attributes))}
	for name, v := range s.Attributes {
		a.Attributes[name] = attributeValues(v)
	}
	return a, nil
}

func attributeValues(v any) []string {
	switch v := v.(type) {
	case nil:
		return []string{}
	case []any:
		values := make([]string, 0, len(v))
		for _, e := range v {
			values = append(values, fmt.Sprint(e))
		}
		return values
	default:
		return []string{fmt.Sprint(v)}
	}
}

// BackChannelLogout asks CAS to terminate the session an external identity provider logged out of.
// The logout token must be signed with the key CAS knows for clientName.
func (c *Client) BackChannelLogout(ctx context.Context, logoutToken, clientName string) (err error) {
	defer decorate.OnError(&err, "back-channel logout through %q failed", clientName)

	_, err = c.Do(ctx, Request{
		Method: http.MethodPost,
		Path:   consts.LoginPath,
		Query: url.Values{
			"logout_token": {logoutToken},
			"client_name":  {clientName},
		},
	})
	return err
}
