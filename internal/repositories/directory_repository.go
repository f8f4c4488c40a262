package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"marketplace-messaging/internal/apperr"
	"marketplace-messaging/internal/models"
)

// DirectoryRepository reads the user and listing display fields owned by the
// account and listing services.
type DirectoryRepository interface {
	Profiles(ctx context.Context, userIDs []string) (map[string]models.UserProfile, error)
	Listings(ctx context.Context, listingIDs []string) (map[string]models.Listing, error)
	Listing(ctx context.Context, listingID string) (models.Listing, error)
}

type DirectoryRepo struct {
	db *sqlx.DB
}

func NewDirectoryRepo(db *sqlx.DB) *DirectoryRepo {
	return &DirectoryRepo{db: db}
}

// Profiles fetches display fields for the given users. Unknown users are absent from the map.
func (r *DirectoryRepo) Profiles(ctx context.Context, userIDs []string) (map[string]models.UserProfile, error) {
	out := make(map[string]models.UserProfile, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	var profiles []models.UserProfile
	if err := r.db.SelectContext(ctx, &profiles, `SELECT id, display_name, avatar_url FROM users WHERE id = ANY($1)`, pq.Array(userIDs)); err != nil {
		return nil, fmt.Errorf("load profiles: %w", err)
	}
	for _, p := range profiles {
		out[p.ID] = p
	}
	return out, nil
}

// Listings fetches display fields for the given listings. Unknown listings are absent from the map.
func (r *DirectoryRepo) Listings(ctx context.Context, listingIDs []string) (map[string]models.Listing, error) {
	out := make(map[string]models.Listing, len(listingIDs))
	if len(listingIDs) == 0 {
		return out, nil
	}
	var listings []models.Listing
	if err := r.db.SelectContext(ctx, &listings, `SELECT id, title, price, owner_id, first_image_url FROM listings WHERE id = ANY($1)`, pq.Array(listingIDs)); err != nil {
		return nil, fmt.Errorf("load listings: %w", err)
	}
	for _, l := range listings {
		out[l.ID] = l
	}
	return out, nil
}

// Listing fetches a single listing.
func (r *DirectoryRepo) Listing(ctx context.Context, listingID string) (models.Listing, error) {
	var listing models.Listing
	err := r.db.GetContext(ctx, &listing, `SELECT id, title, price, owner_id, first_image_url FROM listings WHERE id=$1`, listingID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Listing{}, apperr.ErrListingNotFound
	}
	if err != nil {
		return models.Listing{}, fmt.Errorf("get listing: %w", err)
	}
	return listing, nil
}
