// Copyright 2024 The VDO Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package layout

import (
	"encoding/binary"
	"math/rand"
	"sync"

	"github.com/KnightKu/vdo/internal/errkind"
	"github.com/KnightKu/vdo/internal/ioregion"
)

// SuperMagic identifies a UDS volume's region 0.
const SuperMagic = 0x55445300 // "UDS\0"

// SuperVersionMajor/Minor is the on-disk super block format version this
// package writes.
const (
	SuperVersionMajor = 1
	SuperVersionMinor = 0
)

// SaveSlotCount is the number of rotating save regions, N >= 2 per
// spec.md §4.8, so a crash mid-save always leaves a previous, valid slot
// in place.
const SaveSlotCount = 2

// maxComponentsPerSlot bounds the small, fixed set of named components a
// save slot holds: the volume-index snapshot, the index-page-map
// snapshot, the open-chapter snapshots, and the index-state metadata
// (spec.md §4.8).
const maxComponentsPerSlot = 8

// SaveMode distinguishes a clean-shutdown save (valid on load) from a
// periodic checkpoint (valid only if complete), per spec.md §4.8.
type SaveMode uint32

const (
	// SaveModeNone marks a slot that has never been committed.
	SaveModeNone SaveMode = iota
	// SaveModeSave is a clean-shutdown save.
	SaveModeSave
	// SaveModeCheckpoint is a periodic checkpoint.
	SaveModeCheckpoint
)

// SaveSlotMagic identifies a save-slot metadata region.
const SaveSlotMagic = 0x55445356 // "UDSV"

// componentEntry locates one named component's bytes within a slot's
// region, so ReadComponent can find it again after a process restart
// without needing to replay every write in order.
type componentEntry struct {
	nameHash uint32
	offset   uint32
	size     uint32
}

// SaveSlotMetadata is the small header recorded for each save slot: enough
// to validate completeness and to reconstruct oldest/newest without
// decoding the volume index itself.
type SaveSlotMetadata struct {
	Mode     SaveMode
	Complete bool
	NumZones uint32
	Oldest   uint64
	Newest   uint64
	Nonce    uint64
	// Sequence orders slots so FindLatestSaveSlot can prefer the most
	// recent of two simultaneously-valid slots.
	Sequence uint64

	directory []componentEntry
}

func (m SaveSlotMetadata) encode() []byte {
	buf := make([]byte, 8*5+4+4+1+4+len(m.directory)*12)
	off := 0
	putU32 := func(v uint32) { binary.LittleEndian.PutUint32(buf[off:], v); off += 4 }
	putU64 := func(v uint64) { binary.LittleEndian.PutUint64(buf[off:], v); off += 8 }
	putU32(uint32(m.Mode))
	if m.Complete {
		buf[off] = 1
	} else {
		buf[off] = 0
	}
	off++
	putU32(m.NumZones)
	putU64(m.Oldest)
	putU64(m.Newest)
	putU64(m.Nonce)
	putU64(m.Sequence)
	putU32(uint32(len(m.directory)))
	for _, e := range m.directory {
		putU32(e.nameHash)
		putU32(e.offset)
		putU32(e.size)
	}
	return buf
}

func decodeSaveSlotMetadata(buf []byte) (SaveSlotMetadata, error) {
	const fixed = 8*5 + 4 + 4 + 1 + 4
	if len(buf) < fixed {
		return SaveSlotMetadata{}, errkind.Newf(errkind.CorruptComponent, "save slot metadata too short")
	}
	var m SaveSlotMetadata
	off := 0
	getU32 := func() uint32 { v := binary.LittleEndian.Uint32(buf[off:]); off += 4; return v }
	getU64 := func() uint64 { v := binary.LittleEndian.Uint64(buf[off:]); off += 8; return v }
	m.Mode = SaveMode(getU32())
	m.Complete = buf[off] != 0
	off++
	m.NumZones = getU32()
	m.Oldest = getU64()
	m.Newest = getU64()
	m.Nonce = getU64()
	m.Sequence = getU64()
	count := getU32()
	if count > maxComponentsPerSlot || len(buf) < off+int(count)*12 {
		return SaveSlotMetadata{}, errkind.Newf(errkind.CorruptComponent, "save slot directory corrupt")
	}
	m.directory = make([]componentEntry, count)
	for i := range m.directory {
		m.directory[i] = componentEntry{nameHash: getU32(), offset: getU32(), size: getU32()}
	}
	return m, nil
}

// Component is one named, independently (de)serializable piece of a save
// slot's contents: the volume-index snapshot, the index-page-map
// snapshot, and each zone's open-chapter snapshot (spec.md §4.8).
type Component struct {
	Name string
	Data []byte
}

// saveSlot is the in-memory bookkeeping for one rotating save region.
type saveSlot struct {
	region     *ioregion.Region
	metadata   SaveSlotMetadata
	components []Component
}

// Layout owns the on-disk region map: the config region, the index
// (circular chapter store) region, and SaveSlotCount rotating save slots.
type Layout struct {
	mu sync.Mutex

	file ioregion.File

	superRegion  *ioregion.Region
	configRegion *ioregion.Region
	indexRegion  *ioregion.Region
	saveSlots    [SaveSlotCount]*saveSlot

	nonce    uint64
	sequence uint64
}

const (
	superBlockSize = 4096
	// metadataMargin is fixed headroom reserved per save slot for region
	// headers and the directory-bearing metadata trailer.
	metadataMargin = 1 << 16
)

// VolumeSizer is satisfied by geometry.Geometry; kept as a narrow
// structural interface so this package doesn't need to import geometry
// just to read one derived field.
type VolumeSizer interface {
	Int64BytesPerVolume() int64
}

// Create lays out a brand-new volume on file: a super block, a config
// region, the index region sized by geo, and SaveSlotCount save slots each
// sized to hold snapshotBudget bytes of components.
func Create(file ioregion.File, geo VolumeSizer, snapshotBudget int64) (*Layout, error) {
	l := &Layout{file: file, nonce: newNonce()}

	offset := int64(superBlockSize)
	l.superRegion = ioregion.NewRegion(file, 0, superBlockSize)

	configSize := int64(HeaderSize + 64)
	l.configRegion = ioregion.NewRegion(file, offset, configSize)
	offset += configSize

	indexSize := geo.Int64BytesPerVolume()
	l.indexRegion = ioregion.NewRegion(file, offset, indexSize)
	offset += indexSize

	slotSize := metadataMargin + snapshotBudget
	for i := range l.saveSlots {
		region := ioregion.NewRegion(file, offset, slotSize)
		l.saveSlots[i] = &saveSlot{region: region}
		offset += slotSize
	}

	if err := file.Truncate(offset); err != nil {
		return nil, err
	}
	return l, nil
}

// Open reconstructs the region map for a volume previously laid out by
// Create, given the same geo and snapshotBudget used at creation time (the
// region layout is a deterministic function of those two inputs, so no
// separate on-disk directory of region offsets is needed). It does not
// truncate or otherwise modify file. Callers should follow Open with
// ReadConfig and compare against the geometry they intend to use, to catch
// a mismatched reopen early.
func Open(file ioregion.File, geo VolumeSizer, snapshotBudget int64) *Layout {
	l := &Layout{file: file}

	offset := int64(superBlockSize)
	l.superRegion = ioregion.NewRegion(file, 0, superBlockSize)

	configSize := int64(HeaderSize + 64)
	l.configRegion = ioregion.NewRegion(file, offset, configSize)
	offset += configSize

	indexSize := geo.Int64BytesPerVolume()
	l.indexRegion = ioregion.NewRegion(file, offset, indexSize)
	offset += indexSize

	slotSize := metadataMargin + snapshotBudget
	for i := range l.saveSlots {
		region := ioregion.NewRegion(file, offset, slotSize)
		l.saveSlots[i] = &saveSlot{region: region}
		offset += slotSize
	}
	return l
}

func newNonce() uint64 {
	// A fresh nonce per create, used to validate that derived structures
	// belong to this volume (spec.md §6). math/rand's global source is
	// sufficient: the nonce only needs to differ across volume
	// creations, not to resist prediction.
	return rand.Uint64() | 1
}

// Nonce returns this volume's nonce.
func (l *Layout) Nonce() uint64 { return l.nonce }

// SetNonce installs the volume's nonce, used after Open when the real
// nonce is recovered from an existing save slot's metadata (or freshly
// generated, for a rebuild that discards all prior saves).
func (l *Layout) SetNonce(nonce uint64) { l.nonce = nonce }

// ConfigRegion exposes the config region for WriteConfig/ReadConfig.
func (l *Layout) ConfigRegion() *ioregion.Region { return l.configRegion }

// IndexRegion exposes the circular chapter-store region.
func (l *Layout) IndexRegion() *ioregion.Region { return l.indexRegion }

// WriteConfig persists cfg to the config region.
func (l *Layout) WriteConfig(cfg ConfigRecord) error {
	payload := cfg.Encode()
	return l.configRegion.WriteAt(EncodeRegion(ConfigMagic, uint32(cfg.Version), 0, payload), 0)
}

// ReadConfig reads back the config region written by WriteConfig.
func (l *Layout) ReadConfig() (ConfigRecord, error) {
	buf := make([]byte, l.configRegion.Size())
	if err := l.configRegion.ReadAt(buf, 0); err != nil {
		return ConfigRecord{}, err
	}
	_, payload, err := DecodeRegion(buf, ConfigMagic)
	if err != nil {
		return ConfigRecord{}, err
	}
	return DecodeConfigRecord(payload)
}

// SetupSaveSlot allocates the next rotating slot for a new save or
// checkpoint, returning its index. Per spec.md §4.8, this simply picks
// whichever slot was committed least recently (or never).
func (l *Layout) SetupSaveSlot() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	oldest := 0
	for i, s := range l.saveSlots {
		if s.metadata.Sequence < l.saveSlots[oldest].metadata.Sequence {
			oldest = i
		}
	}
	l.saveSlots[oldest].components = nil
	return oldest
}

// WriteComponent stages one named component's bytes for the given slot.
// Nothing is durable until CommitSave.
func (l *Layout) WriteComponent(slot int, name string, data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.saveSlots[slot].components = append(l.saveSlots[slot].components, Component{Name: name, Data: data})
}

// CommitSave writes every staged component, then a directory-bearing,
// completeness-marked metadata trailer, making the slot the latest valid
// save (or checkpoint, per mode). Components are written in place over the
// slot's earlier contents, so if a write fails this slot may no longer
// hold a loadable save; the other slot is not touched. The caller must not
// treat this slot as committed, and the session should mark itself as
// needing another save.
func (l *Layout) CommitSave(slot int, mode SaveMode, numZones int, oldest, newest uint64) error {
	l.mu.Lock()
	s := l.saveSlots[slot]
	components := s.components
	l.mu.Unlock()

	if len(components) > maxComponentsPerSlot {
		return errkind.Newf(errkind.BadState, "too many components (%d) for one save slot", len(components))
	}

	dir := make([]componentEntry, 0, len(components))
	off := int64(0)
	for _, c := range components {
		region := EncodeRegion(componentMagic(c.Name), 1, 0, c.Data)
		if off+int64(len(region)) > s.region.Size()-metadataMargin {
			return errkind.Newf(errkind.OutOfRange, "component %q does not fit in save slot", c.Name)
		}
		if err := s.region.WriteAt(region, off); err != nil {
			return errkind.Wrap(errkind.CorruptComponent, err)
		}
		dir = append(dir, componentEntry{nameHash: componentMagic(c.Name), offset: uint32(off), size: uint32(len(region))})
		off += int64(len(region))
	}

	l.mu.Lock()
	l.sequence++
	meta := SaveSlotMetadata{
		Mode:      mode,
		Complete:  true,
		NumZones:  uint32(numZones),
		Oldest:    oldest,
		Newest:    newest,
		Nonce:     l.nonce,
		Sequence:  l.sequence,
		directory: dir,
	}
	l.mu.Unlock()

	// The metadata header is written last, at a fixed offset past the
	// component budget: its presence (and a matching checksum) is the
	// commit point. A crash before this point leaves the slot's old trailer
	// in front of components that may already be partly overwritten, so
	// the slot may no longer load; the other slot's save is unaffected.
	header := EncodeRegion(SaveSlotMagic, SuperVersionMajor, SuperVersionMinor, meta.encode())
	trailerOff := s.region.Size() - metadataMargin
	if err := s.region.WriteAt(header, trailerOff); err != nil {
		return errkind.Wrap(errkind.CorruptComponent, err)
	}

	l.mu.Lock()
	s.metadata = meta
	s.components = nil
	l.mu.Unlock()
	return nil
}

// CancelSave discards whatever was staged for slot without writing
// anything, leaving the slot's previously-committed contents (if any)
// untouched.
func (l *Layout) CancelSave(slot int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.saveSlots[slot].components = nil
}

// DiscardSaves marks every slot as holding no valid save, used when a
// rebuild makes all prior saves moot. It zeroes each slot's on-disk
// metadata trailer so FindLatestSaveSlot no longer finds it; a failed
// write of that trailer is not reported.
func (l *Layout) DiscardSaves() {
	l.mu.Lock()
	defer l.mu.Unlock()
	blank := make([]byte, metadataMargin)
	for _, s := range l.saveSlots {
		s.metadata = SaveSlotMetadata{}
		s.components = nil
		_ = s.region.WriteAt(blank, s.region.Size()-metadataMargin)
	}
}

func componentMagic(name string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(name); i++ {
		h ^= uint32(name[i])
		h *= 16777619
	}
	return h
}

// FindLatestSaveSlot scans the save slots on disk and returns the index of
// the most recent slot holding a complete save, along with its recorded
// zone count. It returns ok=false if no slot holds a valid save, matching
// NOT_SAVED_CLEANLY in spec.md §4.9.
func (l *Layout) FindLatestSaveSlot() (slot int, numZones int, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	best := -1
	for i := range l.saveSlots {
		if err := l.loadSlotMetadataLocked(i); err != nil {
			continue
		}
		s := l.saveSlots[i]
		if !s.metadata.Complete {
			continue
		}
		if best == -1 || s.metadata.Sequence > l.saveSlots[best].metadata.Sequence {
			best = i
		}
	}
	if best == -1 {
		return 0, 0, false
	}
	return best, int(l.saveSlots[best].metadata.NumZones), true
}

// SlotMetadata returns the (already-loaded, by FindLatestSaveSlot or a
// prior CommitSave) metadata for slot.
func (l *Layout) SlotMetadata(slot int) SaveSlotMetadata {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.saveSlots[slot].metadata
}

func (l *Layout) loadSlotMetadataLocked(slot int) error {
	s := l.saveSlots[slot]
	trailerSize := metadataMargin
	buf := make([]byte, trailerSize)
	off := s.region.Size() - int64(trailerSize)
	if err := s.region.ReadAt(buf, off); err != nil {
		return err
	}
	_, payload, err := DecodeRegion(buf, SaveSlotMagic)
	if err != nil {
		return err
	}
	meta, err := decodeSaveSlotMetadata(payload)
	if err != nil {
		return err
	}
	s.metadata = meta
	if meta.Sequence > l.sequence {
		l.sequence = meta.Sequence
	}
	return nil
}

// ReadComponent reads back a named component previously committed to
// slot, looking it up in the slot's on-disk directory.
func (l *Layout) ReadComponent(slot int, name string) ([]byte, error) {
	l.mu.Lock()
	s := l.saveSlots[slot]
	dir := s.metadata.directory
	region := s.region
	l.mu.Unlock()

	wantHash := componentMagic(name)
	for _, e := range dir {
		if e.nameHash != wantHash {
			continue
		}
		buf := make([]byte, e.size)
		if err := region.ReadAt(buf, int64(e.offset)); err != nil {
			return nil, err
		}
		_, payload, err := DecodeRegion(buf, wantHash)
		if err != nil {
			return nil, err
		}
		return payload, nil
	}
	return nil, errkind.Newf(errkind.CorruptComponent, "component %q not found in save slot", name)
}
