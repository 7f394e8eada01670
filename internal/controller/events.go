/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

package controller

import (
	"context"
	"errors"
	"fmt"

	"opensketch/internal/domain"
)

// EventName identifies a child-originated event.
type EventName string

const (
	EventSketchAdded      EventName = "sketch-added"
	EventSketchbookSaved  EventName = "sketchbook-saved"
	EventSketchDeleted    EventName = "sketch-deleted"
	EventSketchDownloaded EventName = "sketch-downloaded"
	EventSketchSelected   EventName = "sketch-selected"
	EventLineWidthChanged EventName = "linewidth-changed"
	EventColorChanged     EventName = "color-changed"
	EventBrushSelected    EventName = "brush-selected"
	EventCanvasResetAcked EventName = "canvas-reset-acknowledged"
)

var (
	ErrUnknownEvent = errors.New("unknown event")
	ErrBadPayload   = errors.New("unexpected event payload")
)

// Event is a structured message emitted by a view.
type Event struct {
	Name    EventName
	Payload any
}

// SavePayload carries the sketch being saved.
type SavePayload struct {
	ID    int
	Image domain.ImageRef
}

func SketchAdded() Event { return Event{Name: EventSketchAdded} }

func SketchbookSaved(id int, image domain.ImageRef) Event {
	return Event{Name: EventSketchbookSaved, Payload: SavePayload{ID: id, Image: image}}
}

func SketchDeleted(id int) Event { return Event{Name: EventSketchDeleted, Payload: id} }

func SketchDownloaded(ref domain.SketchRef) Event {
	return Event{Name: EventSketchDownloaded, Payload: ref}
}

func SketchSelected(ordinal int) Event { return Event{Name: EventSketchSelected, Payload: ordinal} }

func LineWidthChanged(w float64) Event { return Event{Name: EventLineWidthChanged, Payload: w} }

func ColorChanged(c string) Event { return Event{Name: EventColorChanged, Payload: c} }

func BrushSelected(t domain.BrushType) Event { return Event{Name: EventBrushSelected, Payload: t} }

func CanvasResetAcknowledged() Event { return Event{Name: EventCanvasResetAcked} }

func badPayload(ev Event) error {
	return fmt.Errorf("%w: %s got %T", ErrBadPayload, ev.Name, ev.Payload)
}

// Dispatch routes ev to the matching operation. Navigation failures for
// unmeasured sketches are returned like any other error; callers on a UI
// thread usually log and continue.
func (c *Controller) Dispatch(ctx context.Context, ev Event) error {
	_, err := c.dispatch(ctx, ev)
	return err
}

// dispatch is Dispatch returning the file written by a download event.
func (c *Controller) dispatch(ctx context.Context, ev Event) (string, error) {
	switch ev.Name {
	case EventSketchAdded:
		return "", c.AppendSketch()
	case EventSketchbookSaved:
		p, ok := ev.Payload.(SavePayload)
		if !ok {
			return "", badPayload(ev)
		}
		return "", c.SaveSketch(ctx, p.ID, p.Image)
	case EventSketchDeleted:
		id, ok := ev.Payload.(int)
		if !ok {
			return "", badPayload(ev)
		}
		return "", c.DeleteSketch(ctx, id)
	case EventSketchDownloaded:
		ref, ok := ev.Payload.(domain.SketchRef)
		if !ok {
			return "", badPayload(ev)
		}
		return c.ExportSketch(ctx, "", ref)
	case EventSketchSelected:
		n, ok := ev.Payload.(int)
		if !ok {
			return "", badPayload(ev)
		}
		_, err := c.NavigateTo(n)
		return "", err
	case EventLineWidthChanged:
		w, ok := ev.Payload.(float64)
		if !ok {
			return "", badPayload(ev)
		}
		c.SetBrushWidth(w)
	case EventColorChanged:
		col, ok := ev.Payload.(string)
		if !ok {
			return "", badPayload(ev)
		}
		c.SetBrushColor(col)
	case EventBrushSelected:
		t, ok := ev.Payload.(domain.BrushType)
		if !ok {
			return "", badPayload(ev)
		}
		c.SetBrushType(t)
	case EventCanvasResetAcked:
		c.AcknowledgeCanvasReset()
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Name)
	}
	return "", nil
}
