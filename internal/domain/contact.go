package domain

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// Contact is the satellite-store representation of one person. The canonical
// columnar store carries the same columns; the six JSON blobs are opaque to
// the sync core and passed through intact.
type Contact struct {
	ContactID          string         `gorm:"column:contact_id;primaryKey" json:"contact_id"`
	CanonicalName      string         `gorm:"column:canonical_name;index" json:"canonical_name"`
	FirstName          string         `gorm:"column:first_name" json:"first_name,omitempty"`
	LastName           string         `gorm:"column:last_name" json:"last_name,omitempty"`
	MiddleName         string         `gorm:"column:middle_name" json:"middle_name,omitempty"`
	Nickname           string         `gorm:"column:nickname" json:"nickname,omitempty"`
	NameSuffix         string         `gorm:"column:name_suffix" json:"name_suffix,omitempty"`
	NamePrefix         string         `gorm:"column:name_prefix" json:"name_prefix,omitempty"`
	FullName           string         `gorm:"column:full_name" json:"full_name,omitempty"`
	Organization       string         `gorm:"column:organization" json:"organization,omitempty"`
	JobTitle           string         `gorm:"column:job_title" json:"job_title,omitempty"`
	Department         string         `gorm:"column:department" json:"department,omitempty"`
	CategoryCode       string         `gorm:"column:category_code" json:"category_code,omitempty"`
	SubcategoryCode    string         `gorm:"column:subcategory_code" json:"subcategory_code,omitempty"`
	Notes              string         `gorm:"column:notes" json:"notes,omitempty"`
	Birthday           *time.Time     `gorm:"column:birthday" json:"birthday,omitempty"`
	IsBusiness         bool           `gorm:"column:is_business" json:"is_business"`
	LLMContext         datatypes.JSON `gorm:"column:llm_context" json:"llm_context,omitempty"`
	CommunicationStats datatypes.JSON `gorm:"column:communication_stats" json:"communication_stats,omitempty"`
	SocialNetwork      datatypes.JSON `gorm:"column:social_network" json:"social_network,omitempty"`
	AIInsights         datatypes.JSON `gorm:"column:ai_insights" json:"ai_insights,omitempty"`
	Recommendations    datatypes.JSON `gorm:"column:recommendations" json:"recommendations,omitempty"`
	SyncMetadataRaw    datatypes.JSON `gorm:"column:sync_metadata" json:"sync_metadata,omitempty"`
	SyncErrors         datatypes.JSON `gorm:"column:sync_errors" json:"sync_errors,omitempty"`
	CreatedAt          time.Time      `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt          time.Time      `gorm:"column:updated_at;not null;index" json:"updated_at"`
}

func (Contact) TableName() string { return "contacts_master" }

// SyncMeta is the parsed shape of the sync_metadata blob. Version and
// LastUpdated drive conflict resolution; everything else rides along.
type SyncMeta struct {
	Version       int64    `json:"version"`
	LastUpdated   string   `json:"last_updated,omitempty"`
	LastUpdatedBy string   `json:"last_updated_by,omitempty"`
	Sources       []string `json:"sources,omitempty"`
}

// Meta parses sync_metadata; a missing or malformed blob yields the zero
// value so callers always get a usable struct.
func (c *Contact) Meta() SyncMeta {
	var m SyncMeta
	if len(c.SyncMetadataRaw) > 0 {
		_ = json.Unmarshal(c.SyncMetadataRaw, &m)
	}
	return m
}

// StampInbound records that source just touched this contact: the version is
// bumped, the timestamp refreshed, and the source appended once.
func (c *Contact) StampInbound(source string, now time.Time) {
	m := c.Meta()
	m.Version++
	m.LastUpdated = now.UTC().Format(time.RFC3339Nano)
	m.LastUpdatedBy = source
	found := false
	for _, s := range m.Sources {
		if s == source {
			found = true
			break
		}
	}
	if !found {
		m.Sources = append(m.Sources, source)
	}
	raw, _ := json.Marshal(m)
	c.SyncMetadataRaw = datatypes.JSON(raw)
}

// Business mirrors Contact for organizations, in businesses_master.
type Business struct {
	BusinessID   string         `gorm:"column:business_id;primaryKey" json:"business_id"`
	Name         string         `gorm:"column:name;index" json:"name"`
	Domain       string         `gorm:"column:domain" json:"domain,omitempty"`
	Industry     string         `gorm:"column:industry" json:"industry,omitempty"`
	Notes        string         `gorm:"column:notes" json:"notes,omitempty"`
	SyncMetadata datatypes.JSON `gorm:"column:sync_metadata" json:"sync_metadata,omitempty"`
	CreatedAt    time.Time      `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"column:updated_at;not null;index" json:"updated_at"`
}

func (Business) TableName() string { return "businesses_master" }

// Relationship is one directed edge of the people-to-people graph. The graph
// is cyclic, so it is only ever stored and queried as edges.
type Relationship struct {
	Person1ID        string    `gorm:"column:person_1_id;primaryKey" json:"person_1_id"`
	Person2ID        string    `gorm:"column:person_2_id;primaryKey" json:"person_2_id"`
	RelationshipType string    `gorm:"column:relationship_type;primaryKey" json:"relationship_type"`
	Direction        string    `gorm:"column:direction" json:"direction,omitempty"`
	Strength         float64   `gorm:"column:strength" json:"strength,omitempty"`
	CreatedAt        time.Time `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt        time.Time `gorm:"column:updated_at;not null" json:"updated_at"`
}

func (Relationship) TableName() string { return "people_relationships" }

// BusinessRelationship links a person to a business (employment, ownership).
type BusinessRelationship struct {
	PersonID         string    `gorm:"column:person_id;primaryKey" json:"person_id"`
	BusinessID       string    `gorm:"column:business_id;primaryKey" json:"business_id"`
	RelationshipType string    `gorm:"column:relationship_type;primaryKey" json:"relationship_type"`
	CreatedAt        time.Time `gorm:"column:created_at;not null" json:"created_at"`
}

func (BusinessRelationship) TableName() string { return "people_business_relationships" }

// ContactIdentifier holds one email or phone for a contact. Identifiers are
// kept out of contacts_master and merged into the CRM shape only.
type ContactIdentifier struct {
	ContactID      string    `gorm:"column:contact_id;primaryKey" json:"contact_id"`
	IdentifierType string    `gorm:"column:identifier_type;primaryKey" json:"identifier_type"`
	Value          string    `gorm:"column:value;primaryKey" json:"value"`
	IsPrimary      bool      `gorm:"column:is_primary" json:"is_primary"`
	CreatedAt      time.Time `gorm:"column:created_at;not null" json:"created_at"`
}

func (ContactIdentifier) TableName() string { return "contact_identifiers" }

const (
	IdentifierEmail = "email"
	IdentifierPhone = "phone"
)
