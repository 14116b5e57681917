package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/geoassist/relay/pkg/protocol"
)

// mapView is the in-process map surface: it applies assistant
// operations, serves view snapshots, and answers data queries from its
// own state. onChange fires after every mutation so the view
// synchronizer can pick the change up.
type mapView struct {
	mu       sync.Mutex
	center   [2]float64
	zoom     float64
	layers   map[string]layerState
	filters  map[string]protocol.FilterOp
	markers  map[string]protocol.MarkerAddOp
	geometry []protocol.GeometryOp
	jobs     map[string]string
	artifact *protocol.ArtifactOp

	onChange func()
}

type layerState struct {
	Visible bool `json:"visible"`
	Labels  bool `json:"labels"`
}

func newMapView() *mapView {
	return &mapView{
		center: [2]float64{48.2082, 16.3738},
		zoom:   11,
		layers: map[string]layerState{
			"parks":     {Visible: true},
			"transit":   {Visible: true},
			"districts": {Visible: false},
		},
		filters: make(map[string]protocol.FilterOp),
		markers: make(map[string]protocol.MarkerAddOp),
		jobs:    make(map[string]string),
	}
}

// Snapshot implements the view provider for both the engine's initial
// context and the synchronizer's diffs.
func (v *mapView) Snapshot() (json.RawMessage, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	snap := map[string]any{
		"center":  v.center,
		"zoom":    v.zoom,
		"layers":  v.layers,
		"filters": v.filters,
		"markers": v.markers,
	}
	if len(v.geometry) > 0 {
		snap["geometry"] = v.geometry
	}
	return json.Marshal(snap)
}

// Apply implements the operation dispatcher.
func (v *mapView) Apply(op protocol.Operation) error {
	decoded, err := op.Decode()
	if err != nil {
		return err
	}

	v.mu.Lock()
	switch p := decoded.(type) {
	case *protocol.ZoomOp:
		v.zoom = p.Level
	case *protocol.PanOp:
		v.center = [2]float64{p.Lat, p.Lng}
	case *protocol.LayerVisibilityOp:
		ls := v.layers[p.Layer]
		ls.Visible = p.Visible
		v.layers[p.Layer] = ls
	case *protocol.FilterOp:
		if op.Kind == protocol.OpFilterRemove {
			delete(v.filters, p.Layer)
		} else {
			v.filters[p.Layer] = *p
		}
	case *protocol.LabelToggleOp:
		ls := v.layers[p.Layer]
		ls.Labels = p.Show
		v.layers[p.Layer] = ls
	case *protocol.MarkerAddOp:
		v.markers[p.ID] = *p
	case *protocol.MarkerRemoveOp:
		delete(v.markers, p.ID)
	case *protocol.GeometryOp:
		v.geometry = append(v.geometry, *p)
	case *protocol.JobStatusOp:
		v.jobs[p.JobID] = p.State
	case *protocol.ArtifactOp:
		v.artifact = p
	default:
		v.mu.Unlock()
		return fmt.Errorf("unhandled operation %q", op.Kind)
	}
	v.mu.Unlock()

	if v.onChange != nil {
		v.onChange()
	}
	return nil
}

// HandleQuery implements the data-query collaborator from local state.
func (v *mapView) HandleQuery(_ context.Context, req *protocol.QueryRequest) (json.RawMessage, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	switch req.Kind {
	case protocol.QueryLayerList:
		names := make([]string, 0, len(v.layers))
		for name := range v.layers {
			names = append(names, name)
		}
		return json.Marshal(map[string]any{"layers": names})

	case protocol.QueryExtent:
		return json.Marshal(map[string]any{"center": v.center, "zoom": v.zoom})

	case protocol.QueryFeatures:
		return json.Marshal(map[string]any{"markers": v.markers})

	case protocol.QueryStatistics:
		visible := 0
		for _, ls := range v.layers {
			if ls.Visible {
				visible++
			}
		}
		return json.Marshal(map[string]any{
			"layer_count":   len(v.layers),
			"visible_count": visible,
			"marker_count":  len(v.markers),
		})

	default:
		return nil, fmt.Errorf("unsupported query kind %q", req.Kind)
	}
}
