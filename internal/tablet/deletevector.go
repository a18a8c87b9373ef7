package tablet

import (
	"github.com/RoaringBitmap/roaring/roaring64"

	qerrors "github.com/quarrydb/quarry/internal/errors"
)

// DeleteVector is the set of deleted row ordinals visible at a read
// version. Ordinals are tablet-global, assigned at write time.
type DeleteVector struct {
	bits *roaring64.Bitmap
}

// NewDeleteVector returns an empty delete vector.
func NewDeleteVector() *DeleteVector {
	return &DeleteVector{bits: roaring64.New()}
}

// IsDeleted reports whether a global row ordinal is deleted.
func (d *DeleteVector) IsDeleted(row uint64) bool {
	return d.bits.Contains(row)
}

// Cardinality returns the number of deleted rows.
func (d *DeleteVector) Cardinality() uint64 {
	return d.bits.GetCardinality()
}

// Merge unions another serialized vector into this one.
func (d *DeleteVector) Merge(data []byte) error {
	other := roaring64.New()
	if err := other.UnmarshalBinary(data); err != nil {
		return qerrors.NewIOError("failed to decode delete vector", err)
	}
	d.bits.Or(other)
	return nil
}

// MarkDeleted adds row ordinals to the vector.
func (d *DeleteVector) MarkDeleted(rows ...uint64) {
	d.bits.AddMany(rows)
}

// Serialize returns the portable byte form of the vector.
func (d *DeleteVector) Serialize() ([]byte, error) {
	data, err := d.bits.MarshalBinary()
	if err != nil {
		return nil, qerrors.NewIOError("failed to encode delete vector", err)
	}
	return data, nil
}
