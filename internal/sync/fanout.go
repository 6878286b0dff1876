package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"

	"github.com/truthforge/forge/internal/crm"
	"github.com/truthforge/forge/internal/domain"
	"github.com/truthforge/forge/internal/logger"
	"github.com/truthforge/forge/internal/metrics"
	"github.com/truthforge/forge/internal/store/canonical"
)

// Satellite is the replica surface the fan-out writes to. Both the
// relational and embedded stores satisfy it.
type Satellite interface {
	Name() string
	GetContact(ctx context.Context, contactID string) (*domain.Contact, error)
	SaveContact(ctx context.Context, c *domain.Contact) error
	SaveBusiness(ctx context.Context, b *domain.Business) error
	ContactsUpdatedSince(ctx context.Context, since time.Time, limit int) ([]domain.Contact, error)
}

// CRMClient is the external visibility layer. crm.Client satisfies it.
type CRMClient interface {
	FindPersonID(ctx context.Context, firstName, lastName string) (string, error)
	CreatePerson(ctx context.Context, p crm.Person) (string, error)
	UpdatePerson(ctx context.Context, personID string, p crm.Person) error
}

// Destination status values.
const (
	StatusSynced  = "synced"
	StatusSkipped = "skipped"
	StatusError   = "error"
)

// DestinationResult is one slot of a fan-out response.
type DestinationResult struct {
	Destination string `json:"destination"`
	Status      string `json:"status"`
	ID          string `json:"id,omitempty"`
	Error       string `json:"error,omitempty"`
}

// FanoutResult always carries the four slots, in fixed order: canonical,
// relational, embedded, CRM.
type FanoutResult struct {
	EntityID string              `json:"entity_id"`
	Results  []DestinationResult `json:"results"`
}

// Slot returns the result for one destination.
func (r FanoutResult) Slot(destination string) (DestinationResult, bool) {
	for _, d := range r.Results {
		if d.Destination == destination {
			return d, true
		}
	}
	return DestinationResult{}, false
}

// Fanout pushes canonical rows out to the satellites and the CRM. Each
// destination succeeds or fails on its own; there is no rollback, and
// reconciliation of partial failure is the poller's job.
type Fanout struct {
	store      *canonical.Store
	relational Satellite // optional
	embedded   Satellite // optional
	crm        CRMClient // optional
	reporter   *Reporter
	log        *logger.Logger
}

func NewFanout(store *canonical.Store, relational, embedded Satellite, crmClient CRMClient, reporter *Reporter, log *logger.Logger) *Fanout {
	return &Fanout{
		store:      store,
		relational: relational,
		embedded:   embedded,
		crm:        crmClient,
		reporter:   reporter,
		log:        log.With("service", "Fanout"),
	}
}

// SyncContact reads the canonical contact and writes it to every configured
// destination. Unconfigured destinations report skipped.
func (f *Fanout) SyncContact(ctx context.Context, contactID string) (FanoutResult, error) {
	return f.SyncContactTo(ctx, contactID, nil)
}

// SyncContactTo is SyncContact with a skip set: destinations named in skip
// report skipped without being touched. The replay guard uses this so an
// already-applied destination is never re-applied.
func (f *Fanout) SyncContactTo(ctx context.Context, contactID string, skip map[string]bool) (FanoutResult, error) {
	res := FanoutResult{EntityID: contactID}
	contact, err := f.store.GetContact(ctx, contactID)
	if err != nil {
		res.Results = append(res.Results, DestinationResult{
			Destination: domain.SourceCanonical, Status: StatusError, Error: err.Error(),
		})
		f.reporter.Report(ctx, domain.KindContact, contactID, domain.SourceCanonical, domain.ErrNotFound, err)
		res.Results = append(res.Results,
			DestinationResult{Destination: domain.SourceRelational, Status: StatusSkipped},
			DestinationResult{Destination: domain.SourceEmbedded, Status: StatusSkipped},
			DestinationResult{Destination: domain.SourceCRM, Status: StatusSkipped})
		return res, err
	}
	res.Results = append(res.Results, DestinationResult{
		Destination: domain.SourceCanonical, Status: StatusSynced, ID: contactID,
	})

	if skip[domain.SourceRelational] {
		res.Results = append(res.Results, DestinationResult{Destination: domain.SourceRelational, Status: StatusSkipped})
	} else {
		res.Results = append(res.Results, f.writeSatellite(ctx, f.relational, domain.SourceRelational, contact))
	}
	if skip[domain.SourceEmbedded] {
		res.Results = append(res.Results, DestinationResult{Destination: domain.SourceEmbedded, Status: StatusSkipped})
	} else {
		res.Results = append(res.Results, f.writeSatellite(ctx, f.embedded, domain.SourceEmbedded, contact))
	}
	if skip[domain.SourceCRM] {
		res.Results = append(res.Results, DestinationResult{Destination: domain.SourceCRM, Status: StatusSkipped})
	} else {
		res.Results = append(res.Results, f.writeCRM(ctx, contact))
	}
	recordFanout(res)
	return res, nil
}

func recordFanout(res FanoutResult) {
	for _, r := range res.Results {
		metrics.Current().IncFanout(r.Destination, r.Status)
	}
}

func (f *Fanout) writeSatellite(ctx context.Context, sat Satellite, name string, contact *domain.Contact) DestinationResult {
	if sat == nil {
		return DestinationResult{Destination: name, Status: StatusSkipped}
	}
	replica := *contact
	if err := sat.SaveContact(ctx, &replica); err != nil {
		f.reporter.Report(ctx, domain.KindContact, contact.ContactID, name, classify(err), err)
		return DestinationResult{Destination: name, Status: StatusError, Error: err.Error()}
	}
	return DestinationResult{Destination: name, Status: StatusSynced, ID: contact.ContactID}
}

// writeCRM maps the contact to the CRM person shape. Identifiers live in
// their own table and are merged into the CRM representation only; the
// social_network blob is augmented with relationship edges at write time.
func (f *Fanout) writeCRM(ctx context.Context, contact *domain.Contact) DestinationResult {
	if f.crm == nil {
		return DestinationResult{Destination: domain.SourceCRM, Status: StatusSkipped}
	}
	email, phone, err := f.primaryIdentifiers(ctx, contact.ContactID)
	if err != nil {
		f.reporter.Report(ctx, domain.KindContact, contact.ContactID, domain.SourceCRM, domain.ErrDatabase, err)
		return DestinationResult{Destination: domain.SourceCRM, Status: StatusError, Error: err.Error()}
	}

	enriched := *contact
	if err := f.inlineRelationships(ctx, &enriched); err != nil {
		// Augmentation trouble downgrades to the bare blob, it does not
		// block the person write.
		f.log.Warn("social network augmentation failed", "contact_id", contact.ContactID, "error", err)
	}

	person := crm.PersonFromContact(&enriched, email, phone)
	personID, err := f.crm.FindPersonID(ctx, person.FirstName, person.LastName)
	if err != nil {
		f.reporter.Report(ctx, domain.KindContact, contact.ContactID, domain.SourceCRM, classify(err), err)
		return DestinationResult{Destination: domain.SourceCRM, Status: StatusError, Error: err.Error()}
	}
	if personID == "" {
		personID, err = f.crm.CreatePerson(ctx, person)
	} else {
		err = f.crm.UpdatePerson(ctx, personID, person)
	}
	if err != nil {
		f.reporter.Report(ctx, domain.KindContact, contact.ContactID, domain.SourceCRM, classify(err), err)
		return DestinationResult{Destination: domain.SourceCRM, Status: StatusError, Error: err.Error()}
	}
	return DestinationResult{Destination: domain.SourceCRM, Status: StatusSynced, ID: personID}
}

func (f *Fanout) primaryIdentifiers(ctx context.Context, contactID string) (email, phone string, err error) {
	ids, err := f.store.IdentifiersFor(ctx, contactID)
	if err != nil {
		return "", "", fmt.Errorf("load identifiers: %w", err)
	}
	for _, id := range ids {
		switch id.IdentifierType {
		case domain.IdentifierEmail:
			if email == "" || id.IsPrimary {
				email = id.Value
			}
		case domain.IdentifierPhone:
			if phone == "" || id.IsPrimary {
				phone = id.Value
			}
		}
	}
	return email, phone, nil
}

// inlineRelationships rewrites the social_network blob with the contact's
// relationship edges folded in under "relationships".
func (f *Fanout) inlineRelationships(ctx context.Context, contact *domain.Contact) error {
	edges, err := f.store.RelationshipsFor(ctx, contact.ContactID)
	if err != nil {
		return err
	}
	if len(edges) == 0 {
		return nil
	}
	network := map[string]any{}
	if len(contact.SocialNetwork) > 0 {
		if err := json.Unmarshal(contact.SocialNetwork, &network); err != nil {
			return fmt.Errorf("parse social_network: %w", err)
		}
	}
	network["relationships"] = edges
	raw, err := json.Marshal(network)
	if err != nil {
		return err
	}
	contact.SocialNetwork = datatypes.JSON(raw)
	return nil
}

// SyncBusiness pushes one business to the satellites. The CRM slot is
// skipped; companies are out of the person path.
func (f *Fanout) SyncBusiness(ctx context.Context, businessID string) (FanoutResult, error) {
	res := FanoutResult{EntityID: businessID}
	biz, err := f.store.GetBusiness(ctx, businessID)
	if err != nil {
		f.reporter.Report(ctx, domain.KindBusiness, businessID, domain.SourceCanonical, domain.ErrNotFound, err)
		res.Results = append(res.Results,
			DestinationResult{Destination: domain.SourceCanonical, Status: StatusError, Error: err.Error()},
			DestinationResult{Destination: domain.SourceRelational, Status: StatusSkipped},
			DestinationResult{Destination: domain.SourceEmbedded, Status: StatusSkipped},
			DestinationResult{Destination: domain.SourceCRM, Status: StatusSkipped})
		return res, err
	}
	res.Results = append(res.Results, DestinationResult{
		Destination: domain.SourceCanonical, Status: StatusSynced, ID: businessID,
	})
	for _, target := range []struct {
		sat  Satellite
		name string
	}{{f.relational, domain.SourceRelational}, {f.embedded, domain.SourceEmbedded}} {
		if target.sat == nil {
			res.Results = append(res.Results, DestinationResult{Destination: target.name, Status: StatusSkipped})
			continue
		}
		replica := *biz
		if err := target.sat.SaveBusiness(ctx, &replica); err != nil {
			f.reporter.Report(ctx, domain.KindBusiness, businessID, target.name, classify(err), err)
			res.Results = append(res.Results, DestinationResult{Destination: target.name, Status: StatusError, Error: err.Error()})
			continue
		}
		res.Results = append(res.Results, DestinationResult{Destination: target.name, Status: StatusSynced, ID: businessID})
	}
	res.Results = append(res.Results, DestinationResult{Destination: domain.SourceCRM, Status: StatusSkipped})
	recordFanout(res)
	return res, nil
}

// classify maps an arbitrary destination error onto the taxonomy.
func classify(err error) string {
	var apiErr *crm.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Status == 401 || apiErr.Status == 403:
			return domain.ErrPermission
		case apiErr.Status == 404:
			return domain.ErrNotFound
		case apiErr.Status >= 500:
			return domain.ErrNetwork
		default:
			return domain.ErrValidation
		}
	}
	return domain.ErrSync
}
