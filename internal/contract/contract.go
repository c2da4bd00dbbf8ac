// Package contract defines the immutable, hash-sealed value types passed
// between the three scheduling layers. Each layer receives a sealed contract
// and never re-interprets structural fields; advisory fields are excluded
// from hashing so they can carry hints without affecting identity.
package contract

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// HashLen is the length of a structural contract hash: the first 16 hex
// characters of the SHA-256 of the canonical serialisation.
const HashLen = 16

// Version is stamped on every contract. Advisory: never hashed.
const Version = "1"

// hashCanonical serialises a canonical value (sorted keys, no whitespace,
// stable number formatting, all guaranteed by encoding/json for maps) and
// returns the truncated SHA-256 hex digest.
func hashCanonical(canonical any) (string, error) {
	data, err := json.Marshal(canonical)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:HashLen], nil
}

// HashList aggregates child hashes order-independently: sort
// lexicographically, JSON-encode the sorted list, hash, truncate. JSON
// encoding keeps the aggregate unambiguous where plain concatenation with a
// separator would not be.
func HashList(hashes []string) (string, error) {
	sorted := make([]string, len(hashes))
	copy(sorted, hashes)
	sort.Strings(sorted)
	return hashCanonical(sorted)
}

// ExecutionHash binds a result to both its contract and its session:
// SHA256(contractHash || traceID) truncated to 16 hex chars. The same
// contract run under two trace ids yields two distinct execution hashes.
func ExecutionHash(contractHash, traceID string) string {
	sum := sha256.Sum256([]byte(contractHash + traceID))
	return hex.EncodeToString(sum[:])[:HashLen]
}

// SectionSpec is the leaf contract node: one named musical span with its
// beat geometry. Character and RoleBrief are structural (they direct what
// the section must sound like), so they participate in the hash.
type SectionSpec struct {
	SectionID     string  `json:"section_id"`
	Name          string  `json:"name"`
	Index         int     `json:"index"`
	StartBeat     float64 `json:"start_beat"`
	DurationBeats float64 `json:"duration_beats"`
	Bars          int     `json:"bars"`
	Character     string  `json:"character,omitempty"`
	RoleBrief     string  `json:"role_brief,omitempty"`

	ContractVersion    string `json:"contract_version,omitempty"`
	ContractHash       string `json:"contract_hash,omitempty"`
	ParentContractHash string `json:"parent_contract_hash,omitempty"`
}

func (s SectionSpec) canonical() map[string]any {
	return map[string]any{
		"section_id":     s.SectionID,
		"name":           s.Name,
		"index":          s.Index,
		"start_beat":     s.StartBeat,
		"duration_beats": s.DurationBeats,
		"bars":           s.Bars,
		"character":      s.Character,
		"role_brief":     s.RoleBrief,
	}
}

// Seal computes and stores the section's structural hash and records its
// lineage. Lineage is excluded from the hash, so sealing order between a
// section and its parent does not matter.
func (s *SectionSpec) Seal(parentHash string) error {
	h, err := hashCanonical(s.canonical())
	if err != nil {
		return err
	}
	s.ContractVersion = Version
	s.ParentContractHash = parentHash
	s.ContractHash = h
	return nil
}

// Verify recomputes the structural hash and compares it to the sealed value.
func (s SectionSpec) Verify() bool {
	h, err := hashCanonical(s.canonical())
	return err == nil && h == s.ContractHash
}

// CompositionContract is the lineage root for one composition run.
type CompositionContract struct {
	CompositionID string        `json:"composition_id"`
	Sections      []SectionSpec `json:"sections"`
	Style         string        `json:"style"`
	Tempo         int           `json:"tempo"`
	Key           string        `json:"key"`

	ContractVersion    string `json:"contract_version,omitempty"`
	ContractHash       string `json:"contract_hash,omitempty"`
	ParentContractHash string `json:"parent_contract_hash,omitempty"`
}

// canonical folds the member sections in as their sorted hashes rather than
// their full bodies, keeping the root hash compact and order-independent.
func (c CompositionContract) canonical() (map[string]any, error) {
	hashes := make([]string, 0, len(c.Sections))
	for _, s := range c.Sections {
		h := s.ContractHash
		if h == "" {
			var err error
			h, err = hashCanonical(s.canonical())
			if err != nil {
				return nil, err
			}
		}
		hashes = append(hashes, h)
	}
	sort.Strings(hashes)
	return map[string]any{
		"composition_id": c.CompositionID,
		"style":          c.Style,
		"tempo":          c.Tempo,
		"key":            c.Key,
		"sections":       hashes,
	}, nil
}

// Seal seals every member section, then the composition itself, then points
// each section's lineage back at the sealed root.
func (c *CompositionContract) Seal() error {
	for i := range c.Sections {
		if err := c.Sections[i].Seal(""); err != nil {
			return err
		}
	}
	canon, err := c.canonical()
	if err != nil {
		return err
	}
	h, err := hashCanonical(canon)
	if err != nil {
		return err
	}
	c.ContractVersion = Version
	c.ContractHash = h
	for i := range c.Sections {
		c.Sections[i].ParentContractHash = h
	}
	return nil
}

// Verify recomputes the structural hash and compares it to the sealed value.
func (c CompositionContract) Verify() bool {
	canon, err := c.canonical()
	if err != nil {
		return false
	}
	h, err := hashCanonical(canon)
	return err == nil && h == c.ContractHash
}

// InstrumentContract carries everything one instrument agent needs for its
// whole run. ExistingTrackID, AssignedColor and GMGuidance are advisory:
// presentation and reuse hints that never affect contract identity.
type InstrumentContract struct {
	InstrumentName string        `json:"instrument_name"`
	Role           string        `json:"role"`
	Style          string        `json:"style"`
	Bars           int           `json:"bars"`
	Tempo          int           `json:"tempo"`
	Key            string        `json:"key"`
	StartBeat      float64       `json:"start_beat"`
	Sections       []SectionSpec `json:"sections"`

	ExistingTrackID string `json:"existing_track_id,omitempty"`
	AssignedColor   string `json:"assigned_color,omitempty"`
	GMGuidance      string `json:"gm_guidance,omitempty"`

	ContractVersion    string `json:"contract_version,omitempty"`
	ContractHash       string `json:"contract_hash,omitempty"`
	ParentContractHash string `json:"parent_contract_hash,omitempty"`
}

func (c InstrumentContract) canonical() map[string]any {
	sections := make([]map[string]any, 0, len(c.Sections))
	for _, s := range c.Sections {
		sections = append(sections, s.canonical())
	}
	return map[string]any{
		"instrument_name": c.InstrumentName,
		"role":            c.Role,
		"style":           c.Style,
		"bars":            c.Bars,
		"tempo":           c.Tempo,
		"key":             c.Key,
		"start_beat":      c.StartBeat,
		"sections":        sections,
	}
}

// Seal computes the structural hash and records lineage to the composition.
func (c *InstrumentContract) Seal(parentHash string) error {
	h, err := hashCanonical(c.canonical())
	if err != nil {
		return err
	}
	c.ContractVersion = Version
	c.ParentContractHash = parentHash
	c.ContractHash = h
	return nil
}

// Verify recomputes the structural hash and compares it to the sealed value.
func (c InstrumentContract) Verify() bool {
	h, err := hashCanonical(c.canonical())
	return err == nil && h == c.ContractHash
}

// SectionContract is the unit of work handed to one section child: one
// section of one instrument, bound to a concrete track. RegionName and
// L2GeneratePrompt are advisory; the canonical Character and RoleBrief on
// the embedded section override the advisory prompt.
type SectionContract struct {
	Section        SectionSpec `json:"section"`
	TrackID        string      `json:"track_id"`
	InstrumentName string      `json:"instrument_name"`
	Role           string      `json:"role"`
	Style          string      `json:"style"`
	Tempo          int         `json:"tempo"`
	Key            string      `json:"key"`

	RegionName       string `json:"region_name,omitempty"`
	L2GeneratePrompt string `json:"l2_generate_prompt,omitempty"`

	ContractVersion    string `json:"contract_version,omitempty"`
	ContractHash       string `json:"contract_hash,omitempty"`
	ParentContractHash string `json:"parent_contract_hash,omitempty"`
}

func (c SectionContract) canonical() map[string]any {
	return map[string]any{
		"section":         c.Section.canonical(),
		"track_id":        c.TrackID,
		"instrument_name": c.InstrumentName,
		"role":            c.Role,
		"style":           c.Style,
		"tempo":           c.Tempo,
		"key":             c.Key,
	}
}

// Seal computes the structural hash and records lineage to the instrument.
func (c *SectionContract) Seal(parentHash string) error {
	h, err := hashCanonical(c.canonical())
	if err != nil {
		return err
	}
	c.ContractVersion = Version
	c.ParentContractHash = parentHash
	c.ContractHash = h
	return nil
}

// Verify recomputes the structural hash and compares it to the sealed value.
func (c SectionContract) Verify() bool {
	h, err := hashCanonical(c.canonical())
	return err == nil && h == c.ContractHash
}
