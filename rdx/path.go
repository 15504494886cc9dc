package rdx

import (
	"strings"

	"github.com/drpcorg/tabby/protocol"
)

// Keys of the two halves of a stamped content tree.
const (
	TablesKey = "t"
	ValuesKey = "v"
)

// Path addresses a node of the stamped tree:
//
//	[]                      the whole content
//	[t] [t table] [t table row] [t table row cell]
//	[v] [v value]
type Path []string

func TablesPath() Path { return Path{TablesKey} }
func TablePath(t string) Path { return Path{TablesKey, t} }
func RowPath(t, r string) Path { return Path{TablesKey, t, r} }
func CellPath(t, r, c string) Path { return Path{TablesKey, t, r, c} }
func ValuesPath() Path { return Path{ValuesKey} }
func ValuePath(v string) Path { return Path{ValuesKey, v} }
func (p Path) Child(id string) Path { return append(p[:len(p):len(p)], id) }
func (p Path) Equal(o Path) bool { return p.Key() == o.Key() }
func (p Path) HasPrefix(pre Path) bool { return len(p) >= len(pre) && p[:len(pre)].Equal(pre) }
func (p Path) Parent() Path { return p[:len(p)-1] }
func (p Path) Last() string { return p[len(p)-1] }
func (p Path) Depth() int { return len(p) }
func (p Path) Clone() Path { return append(Path{}, p...) }
func (p Path) String() string { return "/" + strings.Join(p, "/") }

// Records encodes p as one 'S' record per segment.
func (p Path) Records() (recs [][]byte) {
	for _, seg := range p {
		recs = append(recs, protocol.Record('S', []byte(seg)))
	}
	return
}

// Key is a collision-free string form of p, usable as a map key.
func (p Path) Key() string {
	return string(protocol.Concat(p.Records()...))
}

// LeafDepth is the depth of leaves under the given top-level branch.
func LeafDepth(branch string) int {
	if branch == ValuesKey {
		return 2
	}
	return 4
}

// IsLeaf reports whether p addresses a Cell or a Value.
func (p Path) IsLeaf() bool {
	return len(p) > 0 && len(p) == LeafDepth(p[0])
}

// Valid reports whether p fits the shape of a content tree.
func (p Path) Valid() bool {
	if len(p) == 0 {
		return true
	}
	if p[0] != TablesKey && p[0] != ValuesKey {
		return false
	}
	if len(p) > LeafDepth(p[0]) {
		return false
	}
	for _, seg := range p[1:] {
		if seg == "" {
			return false
		}
	}
	return true
}

// PathFromTLV parses a run of 'S' records.
func PathFromTLV(tlv []byte) (p Path, err error) {
	p = Path{}
	for len(tlv) > 0 {
		var seg []byte
		seg, tlv, err = protocol.TakeWary('S', tlv)
		if err != nil {
			return nil, err
		}
		p = append(p, string(seg))
	}
	return p, nil
}

// ParsePath reads the slash form produced by String.
func ParsePath(s string) Path {
	s = strings.Trim(s, "/")
	if s == "" {
		return Path{}
	}
	return Path(strings.Split(s, "/"))
}
