package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// OpKind identifies the type of a side-effecting operation inside an
// operations batch.
type OpKind string

const (
	OpZoom            OpKind = "zoom"
	OpPan             OpKind = "pan"
	OpLayerVisibility OpKind = "layer_visibility"
	OpFilterApply     OpKind = "filter_apply"
	OpFilterRemove    OpKind = "filter_remove"
	OpLabelToggle     OpKind = "label_toggle"
	OpMarkerAdd       OpKind = "marker_add"
	OpMarkerRemove    OpKind = "marker_remove"
	OpPlotGeometry    OpKind = "plot_geometry"
	OpJobStatus       OpKind = "job_status"
	OpArtifact        OpKind = "artifact"
)

// String returns the wire string of the operation kind.
func (k OpKind) String() string { return string(k) }

// ErrUnknownOperation is returned by Operation.Decode for kinds this
// layer does not understand. Callers log and skip; unknown operations
// are never fatal.
var ErrUnknownOperation = errors.New("protocol: unknown operation kind")

// Operation is one typed command in an operations batch. The payload
// stays raw until Decode is called.
type Operation struct {
	Kind    OpKind          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// OperationBatch is the payload of an operations frame. Items are
// dispatched synchronously, in order.
type OperationBatch struct {
	Operations []Operation `json:"operations"`
}

// ZoomOp adjusts the view zoom level.
type ZoomOp struct {
	Level   float64 `json:"level"`
	Animate bool    `json:"animate,omitempty"`
}

// PanOp re-centers the view.
type PanOp struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// LayerVisibilityOp toggles a named layer on or off.
type LayerVisibilityOp struct {
	Layer   string `json:"layer"`
	Visible bool   `json:"visible"`
}

// FilterOp applies or removes an attribute filter on a layer.
type FilterOp struct {
	Layer string `json:"layer"`
	Field string `json:"field,omitempty"`
	Expr  string `json:"expr,omitempty"`
}

// LabelToggleOp shows or hides labels for a layer.
type LabelToggleOp struct {
	Layer string `json:"layer"`
	Show  bool   `json:"show"`
}

// MarkerAddOp places a marker.
type MarkerAddOp struct {
	ID    string  `json:"id"`
	Lat   float64 `json:"lat"`
	Lng   float64 `json:"lng"`
	Label string  `json:"label,omitempty"`
}

// MarkerRemoveOp removes a marker by id.
type MarkerRemoveOp struct {
	ID string `json:"id"`
}

// GeometryOp plots a generic geometry (GeoJSON, opaque to this layer).
type GeometryOp struct {
	Geometry json.RawMessage `json:"geometry"`
	Style    json.RawMessage `json:"style,omitempty"`
}

// JobStatusOp reports progress of a long-running backend job.
type JobStatusOp struct {
	JobID    string  `json:"job_id"`
	State    string  `json:"state"`
	Progress float64 `json:"progress,omitempty"`
}

// ArtifactOp delivers a generated artifact payload.
type ArtifactOp struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
	Data        string `json:"data"` // base64
}

// DecodeOperationBatch parses the payload of an operations frame.
func DecodeOperationBatch(f *Frame) (*OperationBatch, error) {
	var p OperationBatch
	if err := decodePayload(f, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Decode parses the operation payload into its typed form. The switch
// is exhaustive over the known kinds; anything else returns
// ErrUnknownOperation so the dispatcher can log and skip it.
func (op Operation) Decode() (any, error) {
	decode := func(dst any) (any, error) {
		if err := json.Unmarshal(op.Payload, dst); err != nil {
			return nil, fmt.Errorf("protocol: decode %s operation: %w", op.Kind, err)
		}
		return dst, nil
	}

	switch op.Kind {
	case OpZoom:
		return decode(&ZoomOp{})
	case OpPan:
		return decode(&PanOp{})
	case OpLayerVisibility:
		return decode(&LayerVisibilityOp{})
	case OpFilterApply, OpFilterRemove:
		return decode(&FilterOp{})
	case OpLabelToggle:
		return decode(&LabelToggleOp{})
	case OpMarkerAdd:
		return decode(&MarkerAddOp{})
	case OpMarkerRemove:
		return decode(&MarkerRemoveOp{})
	case OpPlotGeometry:
		return decode(&GeometryOp{})
	case OpJobStatus:
		return decode(&JobStatusOp{})
	case OpArtifact:
		return decode(&ArtifactOp{})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOperation, op.Kind)
	}
}
