package am

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/ledgerwatch/collidx/collidxerr"
	"github.com/ledgerwatch/collidx/document"
	"github.com/ledgerwatch/collidx/idxspec"
	"github.com/ledgerwatch/collidx/keyenc"
	"github.com/ledgerwatch/collidx/sdi"
)

// geoAM covers both the legacy 2d and the GeoJSON 2dsphere variants.
// Both reduce, for this access method, to a single geohash term: an
// interleaved-bit Z-order value over (longitude, latitude) that groups
// nearby points under a shared byte prefix, the same locality property
// the legacy MongoDB 2d index's geohash exploits.
type geoAM struct {
	desc  *idxspec.Descriptor
	store sdi.Interface
}

const geohashPrecisionBits = 26 // per axis; 52 bits total fits in a uint64

func (a *geoAM) fieldPath() []string {
	return a.desc.KeyPattern[0].Path
}

func (a *geoAM) extractPoint(v document.Value) (lon, lat float64, ok bool) {
	switch v.Type {
	case document.TypeArray:
		if len(v.Arr) != 2 {
			return 0, 0, false
		}
		return v.Arr[0].Double, v.Arr[1].Double, true
	case document.TypeObject:
		coords, found := v.Obj.Get("coordinates")
		if !found || coords.Type != document.TypeArray || len(coords.Arr) != 2 {
			return 0, 0, false
		}
		return coords.Arr[0].Double, coords.Arr[1].Double, true
	default:
		return 0, 0, false
	}
}

func geohashBits(lon, lat float64) uint64 {
	scale := func(v, lo, hi float64) uint32 {
		if v < lo {
			v = lo
		}
		if v > hi {
			v = hi
		}
		frac := (v - lo) / (hi - lo)
		return uint32(frac * float64(uint64(1)<<geohashPrecisionBits-1))
	}
	x := scale(lon, -180, 180)
	y := scale(lat, -90, 90)
	var out uint64
	for i := 0; i < geohashPrecisionBits; i++ {
		out |= uint64((x>>uint(i))&1) << uint(2*i)
		out |= uint64((y>>uint(i))&1) << uint(2*i+1)
	}
	return out
}

func (a *geoAM) geoKey(doc document.Document, recordID document.RecordId) (keyenc.Key, bool, error) {
	v, ok := doc.LookupSingle(a.fieldPath())
	if !ok {
		return keyenc.Key{}, false, nil
	}
	lon, lat, ok := a.extractPoint(v)
	if !ok {
		return keyenc.Key{}, false, collidxerr.New(collidxerr.BadValue, "geo field is not a recognizable point")
	}
	bits := geohashBits(lon, lat)
	ord := make([]byte, 8)
	binary.BigEndian.PutUint64(ord, bits)
	ord = append(ord, recordID.Encode()...)
	tb := []byte(fmt.Sprintf("geo:%x", bits))
	return keyenc.Key{Ordered: ord, TypeBits: tb}, true, nil
}

func (a *geoAM) Insert(doc document.Document, recordID document.RecordId) (int, error) {
	k, ok, err := a.geoKey(doc, recordID)
	if err != nil || !ok {
		return 0, err
	}
	if err := a.store.Insert(k, recordID.Encode(), true); err != nil {
		return 0, err
	}
	return 1, nil
}

func (a *geoAM) Remove(doc document.Document, recordID document.RecordId) error {
	k, ok, err := a.geoKey(doc, recordID)
	if err != nil || !ok {
		return err
	}
	return a.store.Unindex(k, recordID.Encode(), true)
}

func (a *geoAM) Update(oldDoc, newDoc document.Document, recordID document.RecordId) error {
	if err := a.Remove(oldDoc, recordID); err != nil {
		return err
	}
	_, err := a.Insert(newDoc, recordID)
	return err
}

func (a *geoAM) MultikeyPaths() idxspec.MultikeyPaths {
	return idxspec.NewMultikeyPaths(len(a.desc.KeyPattern))
}

func (a *geoAM) Validate(full bool) ([]string, error) { return a.store.Validate(full) }
func (a *geoAM) Compact() error                       { return a.store.Compact() }
func (a *geoAM) InitializeAsEmpty() error             { return a.store.InitAsEmpty() }

func (a *geoAM) InitiateBulk() BulkBuilder {
	return &geoBulkBuilder{am: a, bb: a.store.MakeBulkBuilder(true)}
}

type geoBulkBuilder struct {
	am *geoAM
	bb sdi.BulkBuilder
}

func (b *geoBulkBuilder) Add(doc document.Document, recordID document.RecordId) error {
	k, ok, err := b.am.geoKey(doc, recordID)
	if err != nil || !ok {
		return err
	}
	return b.bb.AddKey(k, recordID.Encode())
}

func (b *geoBulkBuilder) Commit() (idxspec.MultikeyPaths, error) {
	return b.am.MultikeyPaths(), b.bb.Commit()
}
