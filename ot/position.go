package ot

// TransformPosition maps an offset in the document before b to the matching
// offset after b. Inserts at or before the offset push it right; a deletion
// covering the offset collapses it to the start of the deleted span.
func TransformPosition(b Batch, position int) int {
	textIndex := 0
	shift := 0
	for _, o := range b {
		switch o.Kind {
		case KindRetain:
			textIndex += o.Count
		case KindInsert:
			if textIndex <= position {
				shift += o.Len()
			}
		case KindDelete:
			if position > textIndex {
				shift -= min(o.Count, position-textIndex)
			}
			textIndex += o.Count
		}
		if textIndex > position {
			break
		}
	}
	return max(position+shift, 0)
}
