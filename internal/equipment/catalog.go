package equipment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

const defaultCacheTTL = 5 * time.Minute

// Catalog resolves the candidate locations for a modality, reading through
// a short-lived Redis cache in front of Postgres, grounded on the teacher's
// clinic.Store redis-backed config cache (Get falls through to the backing
// store and re-populates the cache key on miss).
type Catalog struct {
	db    *pgxpool.Pool
	cache *redis.Client
	ttl   time.Duration
}

// NewCatalog builds a Catalog. cache may be nil, in which case every lookup
// goes straight to Postgres.
func NewCatalog(db *pgxpool.Pool, cache *redis.Client) *Catalog {
	if db == nil {
		panic("equipment: pgx pool required")
	}
	return &Catalog{db: db, cache: cache, ttl: defaultCacheTTL}
}

func (c *Catalog) cacheKey(modality Modality) string {
	return fmt.Sprintf("equipment:candidates:%s", modality)
}

// CandidatesForModality returns every active location + equipment pairing
// for modality. If the registry query fails, the caller should treat this
// as "fail open" per the capability-filter contract: callers that receive
// an error here should fall back to an unfiltered candidate list and log,
// rather than block scheduling.
func (c *Catalog) CandidatesForModality(ctx context.Context, modality Modality) ([]CandidateLocation, error) {
	if c.cache != nil {
		if cached, err := c.readCache(ctx, modality); err == nil && cached != nil {
			return cached, nil
		}
	}

	candidates, err := c.queryPostgres(ctx, modality)
	if err != nil {
		return nil, fmt.Errorf("equipment: query candidates: %w", err)
	}

	if c.cache != nil {
		c.writeCache(ctx, modality, candidates)
	}
	return candidates, nil
}

func (c *Catalog) readCache(ctx context.Context, modality Modality) ([]CandidateLocation, error) {
	data, err := c.cache.Get(ctx, c.cacheKey(modality)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []CandidateLocation
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Catalog) writeCache(ctx context.Context, modality Modality, candidates []CandidateLocation) {
	data, err := json.Marshal(candidates)
	if err != nil {
		return
	}
	_ = c.cache.Set(ctx, c.cacheKey(modality), data, c.ttl).Err()
}

func (c *Catalog) queryPostgres(ctx context.Context, modality Modality) ([]CandidateLocation, error) {
	rows, err := c.db.Query(ctx, `
		SELECT
			l.location_id, l.name, l.address, l.city, l.state, l.phone, l.timezone, l.active,
			e.ct_slice_count, e.ct_has_cardiac, e.ct_has_contrast_injector, e.ct_dual_energy,
			e.mri_field_strength, e.mri_wide_bore, e.mri_has_cardiac,
			e.mammo_3d_tomo, e.mammo_stereo_biopsy, e.max_patient_weight_kg, e.has_bariatric_table, e.active
		FROM scheduling_locations l
		JOIN scheduling_equipment e ON e.location_id = l.location_id
		WHERE e.equipment_type = $1 AND l.active AND e.active
	`, string(modality))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CandidateLocation
	for rows.Next() {
		var loc Location
		var eq Equipment
		if err := rows.Scan(
			&loc.LocationID, &loc.Name, &loc.Address, &loc.City, &loc.State, &loc.Phone, &loc.Timezone, &loc.Active,
			&eq.CTSliceCount, &eq.CTHasCardiac, &eq.CTHasContrastInjector, &eq.CTDualEnergy,
			&eq.MRIFieldStrength, &eq.MRIWideBore, &eq.MRIHasCardiac,
			&eq.Mammo3DTomo, &eq.MammoStereoBiopsy, &eq.MaxPatientWeightKg, &eq.HasBariatricTable, &eq.Active,
		); err != nil {
			return nil, err
		}
		eq.LocationID = loc.LocationID
		eq.EquipmentType = modality
		out = append(out, CandidateLocation{Location: loc, Equipment: eq})
	}
	return out, rows.Err()
}
