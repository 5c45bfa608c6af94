package ghap

import (
	"context"
	"fmt"

	"github.com/emmilco/clams-sub000/internal/embed"
	amerrors "github.com/emmilco/clams-sub000/internal/errors"
	"github.com/emmilco/clams-sub000/internal/store"
)

// collectionForAxis maps an experience axis to its dedicated vector
// collection. Each axis gets its own collection rather than a shared one
// with an "axis" filter field, since clustering (internal/cluster) always
// operates one axis at a time and a dedicated collection keeps its HNSW
// graph free of the other axes' noise.
func collectionForAxis(axis store.Axis) string {
	switch axis {
	case store.AxisFull:
		return store.CollectionExperiencesFull
	case store.AxisStrategy:
		return store.CollectionExperiencesStrat
	case store.AxisSurprise:
		return store.CollectionExperiencesSurp
	case store.AxisRootCause:
		return store.CollectionExperiencesRoot
	default:
		return store.CollectionExperiencesFull
	}
}

// persistExperience embeds each rendered axis with the semantic embedder
// and writes the GHAP row plus axis vectors as a single retried operation.
// The metadata row and the vector upserts are not transactional across
// stores, but the whole sequence runs inside the retry loop so a
// mid-sequence failure is retried as a unit rather than left half-written;
// on exhausted retries the caller sees a storage_error instead of a
// partially persisted episode.
func (m *Machine) persistExperience(ctx context.Context, entry *store.GhapEntry, axes []*store.ExperienceAxisEmbedding) error {
	embedder, err := m.embeds.Get(ctx, embed.RoleSemantic)
	if err != nil {
		return amerrors.StorageError("acquire semantic embedder for ghap resolve", err)
	}

	texts := make([]string, len(axes))
	for i, a := range axes {
		texts[i] = a.Text
	}

	vectors, err := embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return amerrors.StorageError("embed ghap experience axes", err)
	}
	dims := embedder.Dimensions()

	_, err = amerrors.RetryWithResult(ctx, m.retry, func() (struct{}, error) {
		if err := m.meta.SaveGhapEntry(ctx, entry); err != nil {
			return struct{}{}, err
		}

		for i, axis := range axes {
			collection := collectionForAxis(axis.Axis)
			if err := m.vectors.EnsureCollection(ctx, collection, store.DefaultVectorStoreConfig(dims)); err != nil {
				return struct{}{}, err
			}
			payload := map[string]string{
				"ghap_id": entry.ID,
				"domain":  string(entry.Domain),
				"tier":    string(entry.Tier),
			}
			id := fmt.Sprintf("%s:%s", entry.ID, axis.Axis)
			if err := m.vectors.Add(ctx, collection, []string{id}, [][]float32{vectors[i]}, []map[string]string{payload}); err != nil {
				return struct{}{}, err
			}
		}

		return struct{}{}, nil
	})
	if err != nil {
		return amerrors.StorageError("persist ghap experience", err)
	}

	return nil
}
