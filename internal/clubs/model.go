package clubs

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidClubID indicates that a club identifier is empty or exceeds storage bounds.
	ErrInvalidClubID = errors.New("clubs: invalid club id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("clubs: invalid user id")
	// ErrInvalidRow indicates that a remote row payload could not be decoded.
	ErrInvalidRow = errors.New("clubs: invalid row payload")
)

// ClubID represents a validated club identifier.
type ClubID string

// NewClubID validates raw input and returns a ClubID.
func NewClubID(rawInput string) (ClubID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidClubID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidClubID, maxIdentifierLength)
	}
	return ClubID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ClubID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// AccessFlags captures how the local user relates to a club.
type AccessFlags struct {
	IsOwner  bool
	IsShared bool
}

// DeriveAccess computes access flags by comparing the club owner to the local user.
func DeriveAccess(ownerID, localUserID string) AccessFlags {
	owner := ownerID != "" && ownerID == localUserID
	return AccessFlags{
		IsOwner:  owner,
		IsShared: !owner,
	}
}

// Readable reports whether the flags grant any read access.
func (f AccessFlags) Readable() bool {
	return f.IsOwner || f.IsShared
}

// Club models a named shared collection with an ordered, duplicate-free book list.
// CurrentSelection may reference a book no longer present in Books: a drawn
// book is conceptually removed from the pool while staying selected.
type Club struct {
	ID               string
	Name             string
	Books            []string
	CurrentSelection string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	OwnerID          string
	Access           AccessFlags
}

// NormalizeBooks removes duplicate values while preserving first-occurrence order.
// Matching is exact and case-sensitive.
func NormalizeBooks(books []string) []string {
	if len(books) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(books))
	normalized := make([]string, 0, len(books))
	for _, book := range books {
		if _, duplicate := seen[book]; duplicate {
			continue
		}
		seen[book] = struct{}{}
		normalized = append(normalized, book)
	}
	return normalized
}

// MergeBooks unions two book lists: local entries keep their original order,
// remote-only entries follow in remote order, duplicates collapse by value.
// The union is idempotent, so replaying the same merge cannot grow the list.
func MergeBooks(local, remote []string) []string {
	merged := make([]string, 0, len(local)+len(remote))
	seen := make(map[string]struct{}, len(local)+len(remote))
	for _, book := range local {
		if _, duplicate := seen[book]; duplicate {
			continue
		}
		seen[book] = struct{}{}
		merged = append(merged, book)
	}
	for _, book := range remote {
		if _, duplicate := seen[book]; duplicate {
			continue
		}
		seen[book] = struct{}{}
		merged = append(merged, book)
	}
	if len(merged) == 0 {
		return nil
	}
	return merged
}

// BookDifference returns the books present in one list but absent from the other.
func BookDifference(from, against []string) []string {
	if len(from) == 0 {
		return nil
	}
	lookup := make(map[string]struct{}, len(against))
	for _, book := range against {
		lookup[book] = struct{}{}
	}
	var missing []string
	for _, book := range from {
		if _, present := lookup[book]; !present {
			missing = append(missing, book)
		}
	}
	return missing
}

// Row is the hosted backend's persisted representation of a club.
type Row struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Books            []string  `json:"books"`
	CurrentSelection string    `json:"current_selection,omitempty"`
	OwnerID          string    `json:"owner_id"`
	SharedWith       []string  `json:"shared_with,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// DecodeRow parses a raw row payload and validates the fields the sync
// subsystem depends on.
func DecodeRow(raw json.RawMessage) (Row, error) {
	if len(raw) == 0 {
		return Row{}, fmt.Errorf("%w: empty", ErrInvalidRow)
	}
	var row Row
	if err := json.Unmarshal(raw, &row); err != nil {
		return Row{}, fmt.Errorf("%w: %v", ErrInvalidRow, err)
	}
	if _, err := NewClubID(row.ID); err != nil {
		return Row{}, fmt.Errorf("%w: missing club id", ErrInvalidRow)
	}
	if _, err := NewUserID(row.OwnerID); err != nil {
		return Row{}, fmt.Errorf("%w: missing owner id", ErrInvalidRow)
	}
	return row, nil
}

// ReadableBy reports whether the given user may read this row: the owner
// always may, anyone else must appear on the shared-access list.
func (r Row) ReadableBy(userID string) bool {
	if userID == "" {
		return false
	}
	if r.OwnerID == userID {
		return true
	}
	for _, shared := range r.SharedWith {
		if shared == userID {
			return true
		}
	}
	return false
}

// ToClub rebuilds the full local representation of the row, deriving access
// flags for the local user and normalizing the book list.
func (r Row) ToClub(localUserID string) Club {
	return Club{
		ID:               r.ID,
		Name:             r.Name,
		Books:            NormalizeBooks(r.Books),
		CurrentSelection: r.CurrentSelection,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
		OwnerID:          r.OwnerID,
		Access:           DeriveAccess(r.OwnerID, localUserID),
	}
}

// RowFromClub builds the upsert payload for an owned club. The shared-access
// list is managed by the backend and intentionally left out.
func RowFromClub(club Club) Row {
	return Row{
		ID:               club.ID,
		Name:             club.Name,
		Books:            club.Books,
		CurrentSelection: club.CurrentSelection,
		OwnerID:          club.OwnerID,
		CreatedAt:        club.CreatedAt,
		UpdatedAt:        club.UpdatedAt,
	}
}
