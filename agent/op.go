package main

import (
	"fmt"

	"collabtext/fieldsync"
)

// Command is a frame sent by the local editor UI.
type Command struct {
	Action    string               `json:"action"` // "edit", "select", "blur", "undo" or "redo"
	PartID    int                  `json:"partId"`
	Target    fieldsync.Target     `json:"target"`
	Content   string               `json:"content,omitempty"`
	Selection *fieldsync.Selection `json:"selection,omitempty"`
}

func (c Command) Key() fieldsync.Key { return fieldsync.Key{PartID: c.PartID, Target: c.Target} }

func (c Command) validate() error {
	if !c.Target.Valid() {
		return fmt.Errorf("unknown target %q", c.Target)
	}
	switch c.Action {
	case "edit", "blur", "undo", "redo":
		return nil
	case "select":
		if c.Selection == nil {
			return fmt.Errorf("select without selection")
		}
		return nil
	}
	return fmt.Errorf("unknown action %q", c.Action)
}

// FieldState is the frame pushed to the UI whenever a field changes.
type FieldState struct {
	PartID    int                         `json:"partId"`
	Target    fieldsync.Target            `json:"target"`
	Content   string                      `json:"content"`
	Version   int                         `json:"version"`
	Pending   int                         `json:"pending"`
	Syncing   bool                        `json:"syncing"`
	Selection *fieldsync.Selection        `json:"selection,omitempty"`
	CanUndo   bool                        `json:"canUndo"`
	CanRedo   bool                        `json:"canRedo"`
	Remote    map[int]fieldsync.Selection `json:"remote,omitempty"`
	Removed   bool                        `json:"removed,omitempty"`
}

func fieldState(v fieldsync.FieldView, removed bool) FieldState {
	return FieldState{
		PartID:    v.Key.PartID,
		Target:    v.Key.Target,
		Content:   v.Content,
		Version:   v.Version,
		Pending:   v.Pending,
		Syncing:   v.Syncing,
		Selection: v.Selection,
		CanUndo:   v.CanUndo,
		CanRedo:   v.CanRedo,
		Remote:    v.Remote,
		Removed:   removed,
	}
}
