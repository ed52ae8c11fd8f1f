package tree

import (
	"github.com/quillaja/distbh/internal/sfc"
	"github.com/quillaja/distbh/internal/transport"
)

// PrefixCopyNode serves a remote cache miss: it serializes the subtree
// rooted at rootLookupKey, up to depth levels deep, as a pre-order
// list of up to 2^depth-1 records (§4.7). A record with Kind==Empty
// marks a missing child within depth, including both child slots of a
// NonLocal node; a Bucket record is emitted with no child slots after
// it.
func PrefixCopyNode(t *Tree, rootLookupKey sfc.Key, depth int) []transport.NodeRecord {
	idx, ok := t.ByLookupKey(rootLookupKey)
	if !ok {
		return nil
	}
	records := make([]transport.NodeRecord, 0, (1<<uint(depth))-1)
	var walk func(idx int32, level int)
	walk = func(idx int32, level int) {
		if level >= depth {
			return
		}
		n := t.At(idx)
		if n == nil {
			records = append(records, transport.NodeRecord{Kind: uint8(Empty)})
			return
		}
		owner := 0
		if n.Kind == NonLocal {
			owner = n.RemoteIndex
		}
		records = append(records, transport.NodeRecord{
			LookupKey:   n.LookupKey(),
			Kind:        uint8(n.Kind),
			Moments:     n.Moments,
			NumParticle: n.EndParticle - n.BeginParticle,
			Owner:       owner,
		})
		if n.Kind == Bucket {
			return
		}
		walk(n.Left, level+1)
		walk(n.Right, level+1)
	}
	walk(idx, 0)
	return records
}
