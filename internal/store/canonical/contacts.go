package canonical

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"

	"github.com/truthforge/forge/internal/domain"
)

const contactCols = `contact_id, canonical_name, first_name, last_name, middle_name, nickname, name_suffix, name_prefix,
	full_name, organization, job_title, department, category_code, subcategory_code, notes, birthday, is_business,
	llm_context, communication_stats, social_network, ai_insights, recommendations, sync_metadata, sync_errors,
	created_at, updated_at`

func (s *Store) GetContact(ctx context.Context, contactID string) (*domain.Contact, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+contactCols+` FROM contacts_master WHERE contact_id = ?`, contactID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	contacts, err := scanContacts(rows)
	if err != nil {
		return nil, err
	}
	if len(contacts) == 0 {
		return nil, sql.ErrNoRows
	}
	return &contacts[0], nil
}

// ContactsUpdatedSince feeds the pollers: everything touched after the given
// cutoff, oldest first so repeated polls walk forward.
func (s *Store) ContactsUpdatedSince(ctx context.Context, since time.Time, limit int) ([]domain.Contact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+contactCols+` FROM contacts_master
		WHERE updated_at > ?
		ORDER BY updated_at, contact_id
		LIMIT ?`, since.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanContacts(rows)
}

func (s *Store) UpsertContact(ctx context.Context, c *domain.Contact) error {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	return s.exec(ctx, `
		INSERT INTO contacts_master (`+contactCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (contact_id) DO UPDATE SET
			canonical_name = excluded.canonical_name,
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			middle_name = excluded.middle_name,
			nickname = excluded.nickname,
			name_suffix = excluded.name_suffix,
			name_prefix = excluded.name_prefix,
			full_name = excluded.full_name,
			organization = excluded.organization,
			job_title = excluded.job_title,
			department = excluded.department,
			category_code = excluded.category_code,
			subcategory_code = excluded.subcategory_code,
			notes = excluded.notes,
			birthday = excluded.birthday,
			is_business = excluded.is_business,
			llm_context = excluded.llm_context,
			communication_stats = excluded.communication_stats,
			social_network = excluded.social_network,
			ai_insights = excluded.ai_insights,
			recommendations = excluded.recommendations,
			sync_metadata = excluded.sync_metadata,
			sync_errors = excluded.sync_errors,
			updated_at = excluded.updated_at`,
		c.ContactID, c.CanonicalName, c.FirstName, c.LastName, c.MiddleName, c.Nickname, c.NameSuffix, c.NamePrefix,
		c.FullName, c.Organization, c.JobTitle, c.Department, c.CategoryCode, c.SubcategoryCode, c.Notes,
		nullTime(c.Birthday), c.IsBusiness,
		jsonArg(c.LLMContext), jsonArg(c.CommunicationStats), jsonArg(c.SocialNetwork), jsonArg(c.AIInsights),
		jsonArg(c.Recommendations), jsonArg(c.SyncMetadataRaw), jsonArg(c.SyncErrors),
		c.CreatedAt, c.UpdatedAt)
}

// AppendContactSyncError pushes one error record onto a contact's sync_errors
// column without disturbing any other field or the updated_at cursor.
func (s *Store) AppendContactSyncError(ctx context.Context, contactID string, raw []byte) error {
	var existing sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT sync_errors FROM contacts_master WHERE contact_id = ?`, contactID).Scan(&existing)
	if err != nil {
		return fmt.Errorf("load sync_errors for %s: %w", contactID, err)
	}
	var list []json.RawMessage
	if existing.Valid && existing.String != "" {
		if err := json.Unmarshal([]byte(existing.String), &list); err != nil {
			return fmt.Errorf("parse sync_errors for %s: %w", contactID, err)
		}
	}
	list = append(list, json.RawMessage(raw))
	merged, err := json.Marshal(list)
	if err != nil {
		return err
	}
	return s.exec(ctx, `
		UPDATE contacts_master SET sync_errors = ? WHERE contact_id = ?`,
		string(merged), contactID)
}

func (s *Store) UpsertBusiness(ctx context.Context, b *domain.Business) error {
	now := time.Now().UTC()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
	return s.exec(ctx, `
		INSERT INTO businesses_master (business_id, name, domain, industry, notes, sync_metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (business_id) DO UPDATE SET
			name = excluded.name,
			domain = excluded.domain,
			industry = excluded.industry,
			notes = excluded.notes,
			sync_metadata = excluded.sync_metadata,
			updated_at = excluded.updated_at`,
		b.BusinessID, b.Name, b.Domain, b.Industry, b.Notes, jsonArg(b.SyncMetadata), b.CreatedAt, b.UpdatedAt)
}

func (s *Store) GetBusiness(ctx context.Context, businessID string) (*domain.Business, error) {
	var b domain.Business
	var dom, industry, notes sql.NullString
	var meta sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT business_id, name, domain, industry, notes, sync_metadata, created_at, updated_at
		FROM businesses_master WHERE business_id = ?`, businessID).
		Scan(&b.BusinessID, &b.Name, &dom, &industry, &notes, &meta, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	b.Domain, b.Industry, b.Notes = dom.String, industry.String, notes.String
	if meta.Valid {
		b.SyncMetadata = datatypes.JSON(meta.String)
	}
	return &b, nil
}

func (s *Store) UpsertRelationship(ctx context.Context, r *domain.Relationship) error {
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	return s.exec(ctx, `
		INSERT INTO people_relationships (person_1_id, person_2_id, relationship_type, direction, strength, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (person_1_id, person_2_id, relationship_type) DO UPDATE SET
			direction = excluded.direction,
			strength = excluded.strength,
			updated_at = excluded.updated_at`,
		r.Person1ID, r.Person2ID, r.RelationshipType, r.Direction, r.Strength, r.CreatedAt, r.UpdatedAt)
}

// RelationshipsFor lists the edges touching one person, in either direction.
func (s *Store) RelationshipsFor(ctx context.Context, personID string) ([]domain.Relationship, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT person_1_id, person_2_id, relationship_type, COALESCE(direction, ''), COALESCE(strength, 0), created_at, updated_at
		FROM people_relationships
		WHERE person_1_id = ? OR person_2_id = ?
		ORDER BY person_1_id, person_2_id, relationship_type`, personID, personID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Relationship
	for rows.Next() {
		var r domain.Relationship
		if err := rows.Scan(&r.Person1ID, &r.Person2ID, &r.RelationshipType, &r.Direction, &r.Strength, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) UpsertBusinessRelationship(ctx context.Context, r *domain.BusinessRelationship) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	return s.exec(ctx, `
		INSERT INTO people_business_relationships (person_id, business_id, relationship_type, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (person_id, business_id, relationship_type) DO NOTHING`,
		r.PersonID, r.BusinessID, r.RelationshipType, r.CreatedAt)
}

func (s *Store) UpsertIdentifier(ctx context.Context, id *domain.ContactIdentifier) error {
	if id.CreatedAt.IsZero() {
		id.CreatedAt = time.Now().UTC()
	}
	return s.exec(ctx, `
		INSERT INTO contact_identifiers (contact_id, identifier_type, value, is_primary, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (contact_id, identifier_type, value) DO UPDATE SET
			is_primary = excluded.is_primary`,
		id.ContactID, id.IdentifierType, id.Value, id.IsPrimary, id.CreatedAt)
}

func (s *Store) IdentifiersFor(ctx context.Context, contactID string) ([]domain.ContactIdentifier, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT contact_id, identifier_type, value, is_primary, created_at
		FROM contact_identifiers
		WHERE contact_id = ?
		ORDER BY identifier_type, is_primary DESC, value`, contactID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ContactIdentifier
	for rows.Next() {
		var id domain.ContactIdentifier
		if err := rows.Scan(&id.ContactID, &id.IdentifierType, &id.Value, &id.IsPrimary, &id.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func scanContacts(rows *sql.Rows) ([]domain.Contact, error) {
	var out []domain.Contact
	for rows.Next() {
		var c domain.Contact
		var canonical, first, last, middle, nick, suffix, prefix, full, org, title, dept, cat, subcat, notes sql.NullString
		var llm, stats, social, insights, recs, meta, syncErrs sql.NullString
		var birthday sql.NullTime
		if err := rows.Scan(&c.ContactID, &canonical, &first, &last, &middle, &nick, &suffix, &prefix,
			&full, &org, &title, &dept, &cat, &subcat, &notes, &birthday, &c.IsBusiness,
			&llm, &stats, &social, &insights, &recs, &meta, &syncErrs,
			&c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		c.CanonicalName, c.FirstName, c.LastName, c.MiddleName = canonical.String, first.String, last.String, middle.String
		c.Nickname, c.NameSuffix, c.NamePrefix, c.FullName = nick.String, suffix.String, prefix.String, full.String
		c.Organization, c.JobTitle, c.Department = org.String, title.String, dept.String
		c.CategoryCode, c.SubcategoryCode, c.Notes = cat.String, subcat.String, notes.String
		if birthday.Valid {
			t := birthday.Time
			c.Birthday = &t
		}
		c.LLMContext = jsonCol(llm)
		c.CommunicationStats = jsonCol(stats)
		c.SocialNetwork = jsonCol(social)
		c.AIInsights = jsonCol(insights)
		c.Recommendations = jsonCol(recs)
		c.SyncMetadataRaw = jsonCol(meta)
		c.SyncErrors = jsonCol(syncErrs)
		out = append(out, c)
	}
	return out, rows.Err()
}

func jsonCol(v sql.NullString) datatypes.JSON {
	if !v.Valid || v.String == "" {
		return nil
	}
	return datatypes.JSON(v.String)
}

func jsonArg(v datatypes.JSON) any {
	if len(v) == 0 {
		return nil
	}
	return string(v)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
