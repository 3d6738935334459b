package ot

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// wireOp is the boundary form of an Op: exactly one of retain, insert or
// delete is set.
type wireOp struct {
	Retain *int    `json:"retain,omitempty" cbor:"retain,omitempty"`
	Insert *string `json:"insert,omitempty" cbor:"insert,omitempty"`
	Delete *int    `json:"delete,omitempty" cbor:"delete,omitempty"`
	Author int     `json:"authorId,omitempty" cbor:"authorId,omitempty"`
}

func (o Op) toWire() wireOp {
	w := wireOp{}
	switch o.Kind {
	case KindInsert:
		t := o.Text
		w.Insert = &t
		w.Author = o.Author
	case KindDelete:
		n := o.Count
		w.Delete = &n
		w.Author = o.Author
	default:
		n := o.Count
		w.Retain = &n
	}
	return w
}

func (w wireOp) toOp() (Op, error) {
	set := 0
	var o Op
	if w.Retain != nil {
		set++
		o = Retain(*w.Retain)
	}
	if w.Insert != nil {
		set++
		o = Insert(*w.Insert, w.Author)
	}
	if w.Delete != nil {
		set++
		o = Delete(*w.Delete, w.Author)
	}
	if set != 1 {
		return Op{}, fmt.Errorf("ot: op must set exactly one of retain, insert, delete (got %d)", set)
	}
	if o.Kind != KindInsert && o.Count < 0 {
		return Op{}, fmt.Errorf("ot: negative %s count %d", o.Kind, o.Count)
	}
	return o, nil
}

func (o Op) MarshalJSON() ([]byte, error) { return json.Marshal(o.toWire()) }

func (o *Op) UnmarshalJSON(data []byte) error {
	var w wireOp
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	op, err := w.toOp()
	if err != nil {
		return err
	}
	*o = op
	return nil
}

func (o Op) MarshalCBOR() ([]byte, error) { return cbor.Marshal(o.toWire()) }

func (o *Op) UnmarshalCBOR(data []byte) error {
	var w wireOp
	if err := cbor.Unmarshal(data, &w); err != nil {
		return err
	}
	op, err := w.toOp()
	if err != nil {
		return err
	}
	*o = op
	return nil
}
