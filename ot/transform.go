package ot

// Transform rewrites a, defined over the same base as b, so that it applies
// after b. Running it both ways converges:
//
//	Apply(Apply(d, b), Transform(a, b)) == Apply(Apply(d, a), Transform(b, a))
//
// Two inserts at the same offset are ordered by ascending author id, then by
// text, so every peer picks the same order whichever side it transforms.
// An exhausted batch behaves as an endless retain.
func Transform(a, b Batch) Batch {
	var out Batch
	ia, ib := newIter(a), newIter(b)

	for ia.more() {
		oa, ob := ia.peek(), ib.peek()

		switch {
		case oa.Kind == KindInsert && ob.Kind == KindInsert:
			if insertsFirst(oa, ob) {
				out = append(out, oa)
				ia.next()
			} else {
				out = append(out, Retain(ob.Len()))
				ib.next()
			}
			continue
		case oa.Kind == KindInsert:
			out = append(out, oa)
			ia.next()
			continue
		case ob.Kind == KindInsert:
			out = append(out, Retain(ob.Len()))
			ib.next()
			continue
		}

		n := ia.remaining()
		if ib.more() {
			n = min(n, ib.remaining())
		}
		switch {
		case oa.Kind == KindRetain && ob.Kind == KindRetain:
			out = append(out, Retain(n))
		case oa.Kind == KindDelete && ob.Kind == KindRetain:
			out = append(out, Delete(n, oa.Author))
		}
		// Retain/Delete and Delete/Delete: the characters are already gone.
		ia.consume(n)
		ib.consume(n)
	}
	return out.Normalize()
}

// insertsFirst reports whether a's insert lands before b's when both sit at
// the same offset.
func insertsFirst(a, b Op) bool {
	if a.Author != b.Author {
		return a.Author < b.Author
	}
	// Identical text produces the same document in either order.
	return a.Text <= b.Text
}

// iter walks a batch allowing partial consumption of Retain and Delete.
// Inserts are always taken whole.
type iter struct {
	ops    Batch
	index  int
	offset int
}

func newIter(ops Batch) *iter {
	it := &iter{ops: ops}
	it.skipZero()
	return it
}

func (it *iter) more() bool { return it.index < len(it.ops) }

// peek returns the current op, or an endless retain once exhausted.
func (it *iter) peek() Op {
	if !it.more() {
		return Op{Kind: KindRetain}
	}
	return it.ops[it.index]
}

func (it *iter) remaining() int {
	if !it.more() {
		return 0
	}
	return it.ops[it.index].Count - it.offset
}

func (it *iter) next() {
	it.index++
	it.offset = 0
	it.skipZero()
}

func (it *iter) consume(n int) {
	if !it.more() {
		return
	}
	it.offset += n
	if it.offset >= it.ops[it.index].Count {
		it.next()
	}
}

func (it *iter) skipZero() {
	for it.index < len(it.ops) && it.ops[it.index].IsZero() {
		it.index++
	}
}
