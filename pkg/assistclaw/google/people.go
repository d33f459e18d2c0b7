package google

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/api/option"
	"google.golang.org/api/people/v1"

	"github.com/jholhewres/assistclaw/pkg/assistclaw/dispatch"
)

const personFields = "names,emailAddresses,phoneNumbers,organizations"

// People reads the owner's contacts through the People API. It satisfies
// contacts.Remote.
type People struct {
	svc    *people.Service
	warmup sync.Once
}

// NewPeople creates the People adapter.
func NewPeople(ctx context.Context, opts ...option.ClientOption) (*People, error) {
	svc, err := people.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("people service: %w", err)
	}
	return &People{svc: svc}, nil
}

// Search queries contacts by name, email or phone prefix.
func (p *People) Search(ctx context.Context, query string, limit int) ([]dispatch.Contact, error) {
	// searchContacts serves from a lazily built index; an empty query
	// primes it so the first real search is not empty.
	p.warmup.Do(func() {
		_, _ = p.svc.People.SearchContacts().Query("").ReadMask(personFields).Context(ctx).Do()
	})

	if limit <= 0 || limit > 30 {
		limit = 30
	}
	res, err := p.svc.People.SearchContacts().
		Query(query).
		ReadMask(personFields).
		PageSize(int64(limit)).
		Context(ctx).
		Do()
	if err != nil {
		return nil, wrap(dispatch.ServiceContacts, err)
	}

	out := make([]dispatch.Contact, 0, len(res.Results))
	for _, r := range res.Results {
		if c, ok := convertPerson(r.Person); ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// List returns every connection of the owner.
func (p *People) List(ctx context.Context) ([]dispatch.Contact, error) {
	var out []dispatch.Contact
	err := p.svc.People.Connections.List("people/me").
		PersonFields(personFields).
		PageSize(1000).
		Pages(ctx, func(page *people.ListConnectionsResponse) error {
			for _, person := range page.Connections {
				if c, ok := convertPerson(person); ok {
					out = append(out, c)
				}
			}
			return nil
		})
	if err != nil {
		return nil, wrap(dispatch.ServiceContacts, err)
	}
	return out, nil
}

// convertPerson picks the primary (or first) value of each field.
func convertPerson(p *people.Person) (dispatch.Contact, bool) {
	if p == nil {
		return dispatch.Contact{}, false
	}
	c := dispatch.Contact{ResourceName: p.ResourceName}
	for _, n := range p.Names {
		if n.DisplayName != "" && (c.Name == "" || primary(n.Metadata)) {
			c.Name = n.DisplayName
		}
	}
	for _, e := range p.EmailAddresses {
		if e.Value != "" && (c.Email == "" || primary(e.Metadata)) {
			c.Email = e.Value
		}
	}
	for _, ph := range p.PhoneNumbers {
		if ph.Value != "" && (c.Phone == "" || primary(ph.Metadata)) {
			c.Phone = ph.Value
		}
	}
	for _, o := range p.Organizations {
		if o.Name != "" && (c.Organization == "" || primary(o.Metadata)) {
			c.Organization = o.Name
		}
	}
	if c.Name == "" {
		c.Name = c.Email
	}
	return c, c.ResourceName != "" && c.Name != ""
}

func primary(m *people.FieldMetadata) bool {
	return m != nil && m.Primary
}
