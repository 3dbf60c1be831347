package config

import "github.com/modbusgw/gateway/internal/work"

// URIRef is what a URI resolves to: a component, or a component+map+decode,
// or (for individual_bits) a single addressable bit within a decode. The
// work.IdxAll sentinel marks "every" at whichever level is unused, matching
// the ALL semantics a bare /components/<id> URI carries (§4.3).
type URIRef struct {
	ComponentIdx int
	MapIdx       int
	DecodeIdx    int
	BitIdx       int
}

// URITable is the flattened URI → location map built once from a Config
// (§4.3's build phase). Lookup is the only hot-path operation; building it
// is amortized over the lifetime of one Config generation.
type URITable struct {
	entries map[string]URIRef
}

func buildURITable(cfg *Config) URITable {
	t := URITable{entries: make(map[string]URIRef)}

	for ci, c := range cfg.Components {
		base := "/components/" + cfg.Str(c.IDH)
		t.entries[base] = URIRef{ComponentIdx: ci, MapIdx: work.IdxAll, DecodeIdx: work.IdxAll, BitIdx: work.IdxAll}

		for mi, m := range c.Maps {
			for di, d := range m.Decodes {
				if d.IndividualBits {
					for bi, bs := range d.BitStrings {
						if bs.Kind != BitKnown {
							continue
						}
						uri := base + "/" + cfg.Str(bs.LabelH)
						t.entries[uri] = URIRef{ComponentIdx: ci, MapIdx: mi, DecodeIdx: di, BitIdx: bi}
					}
					continue
				}
				uri := base + "/" + cfg.Str(d.IDH)
				t.entries[uri] = URIRef{ComponentIdx: ci, MapIdx: mi, DecodeIdx: di, BitIdx: work.IdxAll}
			}
		}
	}

	return t
}

// Lookup resolves a canonical URI to its location, reporting false if no
// component/decode/bit in the current config generation owns it.
func (t URITable) Lookup(uri string) (URIRef, bool) {
	r, ok := t.entries[uri]
	return r, ok
}

// Len reports how many addressable URIs are registered, mainly useful for
// logging at reload time ("routing table rebuilt: N entries").
func (t URITable) Len() int {
	return len(t.entries)
}
