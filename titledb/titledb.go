// Copyright 2024 The nxcore authors. All rights reserved.
// Use of this source code is governed by an Apache v2 license
// license that can be found in the LICENSE file.

// Package titledb enumerates installed metadata records across storage
// backends, cross-links the application/patch/add-on relationships,
// and tracks gamecard presence, per spec.md §4.9.
package titledb

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cartdump/nxcore/nxerr"
	"github.com/cartdump/nxcore/nxlog"
)

const component = "titledb"

// Backend identifies one of the four storage backends metadata is
// enumerated from.
type Backend int

const (
	BuiltInSystem Backend = iota
	BuiltInUser
	SD
	Gamecard
)

func (b Backend) String() string {
	switch b {
	case BuiltInSystem:
		return "built-in-system"
	case BuiltInUser:
		return "built-in-user"
	case SD:
		return "sd"
	case Gamecard:
		return "gamecard"
	default:
		return "unknown"
	}
}

// TitleType is the content-meta type tag carried by a MetadataEntry,
// per spec.md §4.1's TitleID type field.
type TitleType uint8

const (
	TypeSystemProgram       TitleType = 0x01
	TypeSystemData          TitleType = 0x02
	TypeSystemUpdate        TitleType = 0x03
	TypeBootImagePackage    TitleType = 0x04
	TypeBootImagePackageSafe TitleType = 0x05
	TypeApplication         TitleType = 0x80
	TypePatch               TitleType = 0x81
	TypeAddOnContent        TitleType = 0x82
	TypeDelta               TitleType = 0x83
)

// patchBit and addOnIndexMask implement the TitleID derivation rules
// spec.md §4.1 names: a patch's TitleID is its application's with this
// bit set; an add-on's TitleID clears the low 16 bits of the
// application's and adds an index in their place.
const patchBit = 0x100
const addOnIndexMask = 0xFFFF

// AppIDFromPatch returns the application TitleID a patch TitleID
// derives from.
func AppIDFromPatch(patchID uint64) uint64 { return patchID &^ patchBit }

// IsPatchOf reports whether patchID derives from appID under the
// patch→app bit rule.
func IsPatchOf(patchID, appID uint64) bool { return AppIDFromPatch(patchID) == appID }

// AppIDFromAddOn returns the application TitleID an add-on TitleID
// derives from.
func AppIDFromAddOn(addOnID uint64) uint64 { return addOnID &^ addOnIndexMask }

// AddOnIndex returns the add-on index encoded in addOnID's low bits.
func AddOnIndex(addOnID uint64) uint32 { return uint32(addOnID & addOnIndexMask) }

// ContentDescriptor is one content entry within a MetadataEntry.
type ContentDescriptor struct {
	ID       [16]byte
	Size     int64 // 40-bit field
	Type     uint8
	IDOffset uint8
}

// MetadataEntry is one row of the installed-content index.
type MetadataEntry struct {
	Backend     Backend
	TitleID     uint64
	Version     uint32
	Type        TitleType
	InstallType uint8
	Contents    []ContentDescriptor
}

// ApplicationMetadata is the denormalized per-application bundle: icon,
// localized name/author, language mask.
type ApplicationMetadata struct {
	TitleID      uint64
	Name         string
	Author       string
	Icon         []byte
	LanguageMask uint32
}

// TitleInfo is a fully linked title-database node. Cross-references are
// arena indices (into DB.titles), never pointers, per spec.md §5's
// "cyclic/back-reference structures" guidance — a rebuild swaps the
// whole arena atomically and stale indices must be re-resolved.
type TitleInfo struct {
	Meta MetadataEntry
	App  *ApplicationMetadata

	parent   int // index into titles, -1 if none
	previous int
	next     int

	// verPrevious/verNext thread a separate chain: every TypeApplication
	// record sharing this one's TitleID across backends (e.g. the same
	// game pre-installed on BuiltInUser and reinstalled at a newer
	// version on SD), ordered by Meta.Version ascending. This is
	// independent of previous/next, which already carries the
	// patch/add-on sibling chain rooted at the app.
	verPrevious int
	verNext     int
}

const noIndex = -1

// ContentMetaService is the capability titledb.Build needs to enumerate
// one backend: list metadata keys, fetch a record per key, and resolve
// application-level metadata (icon/name/author) when present.
type ContentMetaService interface {
	Keys(b Backend) ([]MetaKey, error)
	Fetch(b Backend, key MetaKey) (MetadataEntry, error)
	ApplicationMetadata(b Backend, titleID uint64) (*ApplicationMetadata, error)
}

// MetaKey identifies one metadata record within a backend.
type MetaKey struct {
	TitleID uint64
	Version uint32
}

// SystemTitleNames is the built-in table of known system TitleIDs used
// to supply a stable display name for system records with no attached
// ApplicationMetadata (spec.md §4.9 step 4).
var SystemTitleNames = map[uint64]string{
	0x0100000000000000: "Settings",
	0x0100000000000007: "BCAT",
	0x0100000000000032: "Shop",
	0x010000000000001F: "Web Applet",
}

// DB is the title database: a growable arena of TitleInfo plus the
// indices built over it.
type DB struct {
	log *nxlog.Helper
	svc ContentMetaService

	mu        sync.RWMutex
	titles    []TitleInfo
	byTitleID map[uint64][]int
}

// New returns an empty DB bound to svc. logger may be nil.
func New(svc ContentMetaService, logger *nxlog.Helper) *DB {
	if logger == nil {
		logger = nxlog.Default()
	}
	return &DB{svc: svc, log: logger, byTitleID: make(map[uint64][]int)}
}

// Build (re)enumerates every backend in backends and replaces the
// arena atomically. A backend whose Keys call fails is logged and
// skipped; a record that fails structural validation is dropped.
func (db *DB) Build(backends []Backend) error {
	var titles []TitleInfo

	for _, b := range backends {
		keys, err := db.svc.Keys(b)
		if err != nil {
			db.log.Warnf("titledb: enumerate %s failed: %v", b, err)
			continue
		}
		for _, key := range keys {
			entry, err := db.svc.Fetch(b, key)
			if err != nil {
				db.log.Warnf("titledb: fetch %s/%#x failed: %v", b, key.TitleID, err)
				continue
			}
			if !validEntry(entry) {
				db.log.Warnf("titledb: dropping structurally invalid record %#x", entry.TitleID)
				continue
			}
			info := TitleInfo{Meta: entry, parent: noIndex, previous: noIndex, next: noIndex, verPrevious: noIndex, verNext: noIndex}
			if entry.Type == TypeApplication {
				if meta, err := db.svc.ApplicationMetadata(b, entry.TitleID); err == nil && meta != nil {
					info.App = meta
				} else if name, ok := SystemTitleNames[entry.TitleID]; ok {
					info.App = &ApplicationMetadata{TitleID: entry.TitleID, Name: name}
				}
			} else if name, ok := SystemTitleNames[entry.TitleID]; ok && info.App == nil {
				info.App = &ApplicationMetadata{TitleID: entry.TitleID, Name: name}
			}
			titles = append(titles, info)
		}
	}

	byID := make(map[uint64][]int, len(titles))
	for i, t := range titles {
		byID[t.Meta.TitleID] = append(byID[t.Meta.TitleID], i)
	}

	linkGraph(titles, byID)
	linkVersionChains(titles, byID)

	db.mu.Lock()
	db.titles = titles
	db.byTitleID = byID
	db.mu.Unlock()
	return nil
}

func validEntry(e MetadataEntry) bool {
	if len(e.Contents) == 0 {
		return false
	}
	for _, c := range e.Contents {
		if c.Size < 0 || c.Size >= (1<<40) {
			return false
		}
	}
	return true
}

func firstIndex(byID map[uint64][]int, titleID uint64) int {
	ids := byID[titleID]
	if len(ids) == 0 {
		return noIndex
	}
	return ids[0]
}

// linkGraph wires patch.parent, add_on.parent and version chains
// in-place, per spec.md §4.9's graph-build step.
func linkGraph(titles []TitleInfo, byID map[uint64][]int) {
	// Patches: link to parent, insert into the app's patch chain
	// ordered by version (highest-version-first insertion keeps the
	// chain sorted ascending since we always insert before anything
	// with a higher version already linked).
	for i := range titles {
		if titles[i].Meta.Type != TypePatch {
			continue
		}
		appID := AppIDFromPatch(titles[i].Meta.TitleID)
		appIdx := firstIndex(byID, appID)
		if appIdx == noIndex {
			continue
		}
		titles[i].parent = appIdx
		insertVersionOrdered(titles, appIdx, i)
	}

	// Add-ons: same shape, masked derivation instead of a bit test.
	for i := range titles {
		if titles[i].Meta.Type != TypeAddOnContent {
			continue
		}
		appID := AppIDFromAddOn(titles[i].Meta.TitleID)
		appIdx := firstIndex(byID, appID)
		if appIdx == noIndex {
			continue
		}
		titles[i].parent = appIdx
		insertIndexOrdered(titles, appIdx, i)
	}
}

// insertVersionOrdered splices child into the sibling chain rooted at
// apps's patch chain (threaded through child.next/previous), keeping
// Meta.Version ascending.
func insertVersionOrdered(titles []TitleInfo, appIdx, childIdx int) {
	cur := titles[appIdx].next
	prev := appIdx
	for cur != noIndex && titles[cur].Meta.Version < titles[childIdx].Meta.Version {
		prev = cur
		cur = titles[cur].next
	}
	titles[childIdx].next = cur
	titles[childIdx].previous = prev
	if cur != noIndex {
		titles[cur].previous = childIdx
	}
	if prev == appIdx {
		titles[appIdx].next = childIdx
	} else {
		titles[prev].next = childIdx
	}
}

// insertIndexOrdered is insertVersionOrdered's add-on counterpart,
// ordered by add-on index rather than version.
func insertIndexOrdered(titles []TitleInfo, appIdx, childIdx int) {
	childKey := AddOnIndex(titles[childIdx].Meta.TitleID)
	cur := titles[appIdx].next
	prev := appIdx
	for cur != noIndex && AddOnIndex(titles[cur].Meta.TitleID) < childKey {
		prev = cur
		cur = titles[cur].next
	}
	titles[childIdx].next = cur
	titles[childIdx].previous = prev
	if cur != noIndex {
		titles[cur].previous = childIdx
	}
	if prev == appIdx {
		titles[appIdx].next = childIdx
	} else {
		titles[prev].next = childIdx
	}
}

// linkVersionChains wires verPrevious/verNext across every group of
// TypeApplication records sharing a TitleID across backends, ordered by
// Meta.Version ascending, per spec.md §4.9's graph-build step.
func linkVersionChains(titles []TitleInfo, byID map[uint64][]int) {
	for _, idxs := range byID {
		var apps []int
		for _, i := range idxs {
			if titles[i].Meta.Type == TypeApplication {
				apps = append(apps, i)
			}
		}
		if len(apps) < 2 {
			continue
		}
		sort.Slice(apps, func(a, b int) bool {
			return titles[apps[a]].Meta.Version < titles[apps[b]].Meta.Version
		})
		for k := 1; k < len(apps); k++ {
			titles[apps[k]].verPrevious = apps[k-1]
			titles[apps[k-1]].verNext = apps[k]
		}
	}
}

// ByTitleID returns every TitleInfo across backends matching id.
func (db *DB) ByTitleID(id uint64) []TitleInfo {
	db.mu.RLock()
	defer db.mu.RUnlock()
	idxs := db.byTitleID[id]
	out := make([]TitleInfo, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, db.titles[i])
	}
	return out
}

// ApplicationSet is the result of ApplicationSet(app_id): the app's own
// TitleInfo plus its linked patch and add-on chains.
type ApplicationSet struct {
	App     TitleInfo
	Patches []TitleInfo
	AddOns  []TitleInfo
}

// ApplicationSet resolves appID's app node plus its patch and add-on
// chains, in link order (version ascending for patches, index
// ascending for add-ons).
func (db *DB) ApplicationSet(appID uint64) (ApplicationSet, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	appIdx := firstIndex(db.byTitleID, appID)
	if appIdx == noIndex {
		return ApplicationSet{}, nxerr.New(component, nxerr.KindOutOfRange, fmt.Errorf("application %#x not found", appID))
	}
	set := ApplicationSet{App: db.titles[appIdx]}
	cur := db.titles[appIdx].next
	for cur != noIndex {
		t := db.titles[cur]
		switch t.Meta.Type {
		case TypePatch:
			set.Patches = append(set.Patches, t)
		case TypeAddOnContent:
			set.AddOns = append(set.AddOns, t)
		}
		cur = t.next
	}
	return set, nil
}

// GamecardApplications returns every TitleInfo enumerated from the
// gamecard backend, application records only.
func (db *DB) GamecardApplications() []TitleInfo {
	db.mu.RLock()
	defer db.mu.RUnlock()
	var out []TitleInfo
	for _, t := range db.titles {
		if t.Meta.Backend == Gamecard && t.Meta.Type == TypeApplication {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Meta.TitleID < out[j].Meta.TitleID })
	return out
}

// Applications returns every installed application across all
// backends, sorted by TitleID, for callers that want the full
// installed set rather than just what's in the gamecard slot.
func (db *DB) Applications() []TitleInfo {
	db.mu.RLock()
	defer db.mu.RUnlock()
	var out []TitleInfo
	for _, t := range db.titles {
		if t.Meta.Type == TypeApplication {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Meta.TitleID < out[j].Meta.TitleID })
	return out
}

// DisplayName resolves the name shown to a user for info: info.App.Name
// when set (Build fills App from SystemTitleNames for system records
// without metadata), otherwise the TitleID as 16 hex digits. A linked
// parent's ApplicationMetadata is not consulted.
func DisplayName(info TitleInfo) string {
	if info.App != nil && info.App.Name != "" {
		return info.App.Name
	}
	return fmt.Sprintf("%016X", info.Meta.TitleID)
}

// VersionChain returns every installed copy of info's application
// across backends, version-ascending, by walking verPrevious/verNext
// from wherever info sits in that chain. Distinct from ApplicationSet,
// which walks the patch/add-on sibling chain rooted at an app rather
// than its own cross-backend version history. Returns nil if info
// isn't a TypeApplication record currently in the arena.
func (db *DB) VersionChain(info TitleInfo) []TitleInfo {
	db.mu.RLock()
	defer db.mu.RUnlock()

	for i := range db.titles {
		t := &db.titles[i]
		if t.Meta.Type != TypeApplication || t.Meta.TitleID != info.Meta.TitleID || t.Meta.Backend != info.Meta.Backend {
			continue
		}
		head := i
		for db.titles[head].verPrevious != noIndex {
			head = db.titles[head].verPrevious
		}
		var out []TitleInfo
		for cur := head; cur != noIndex; cur = db.titles[cur].verNext {
			out = append(out, db.titles[cur])
		}
		return out
	}
	return nil
}

// Parent resolves info's linked parent TitleInfo within db's current
// arena, if any. Callers must not retain the result across a rebuild.
func (db *DB) Parent(info TitleInfo) (TitleInfo, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	for i := range db.titles {
		if db.titles[i].Meta.TitleID == info.Meta.TitleID && db.titles[i].Meta.Backend == info.Meta.Backend {
			if db.titles[i].parent == noIndex {
				return TitleInfo{}, false
			}
			return db.titles[db.titles[i].parent], true
		}
	}
	return TitleInfo{}, false
}
