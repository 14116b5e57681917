package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestOperationDecodeTyped(t *testing.T) {
	tests := []struct {
		name  string
		op    Operation
		check func(t *testing.T, v any)
	}{
		{
			name: "zoom",
			op:   Operation{Kind: OpZoom, Payload: json.RawMessage(`{"level":12.5,"animate":true}`)},
			check: func(t *testing.T, v any) {
				z, ok := v.(*ZoomOp)
				if !ok {
					t.Fatalf("decoded type = %T, want *ZoomOp", v)
				}
				if z.Level != 12.5 || !z.Animate {
					t.Errorf("zoom = %+v", z)
				}
			},
		},
		{
			name: "pan",
			op:   Operation{Kind: OpPan, Payload: json.RawMessage(`{"lat":59.3,"lng":18.1}`)},
			check: func(t *testing.T, v any) {
				p, ok := v.(*PanOp)
				if !ok {
					t.Fatalf("decoded type = %T, want *PanOp", v)
				}
				if p.Lat != 59.3 || p.Lng != 18.1 {
					t.Errorf("pan = %+v", p)
				}
			},
		},
		{
			name: "layer_visibility",
			op:   Operation{Kind: OpLayerVisibility, Payload: json.RawMessage(`{"layer":"parks","visible":false}`)},
			check: func(t *testing.T, v any) {
				l, ok := v.(*LayerVisibilityOp)
				if !ok {
					t.Fatalf("decoded type = %T, want *LayerVisibilityOp", v)
				}
				if l.Layer != "parks" || l.Visible {
					t.Errorf("layer_visibility = %+v", l)
				}
			},
		},
		{
			name: "filter_remove_shares_filter_shape",
			op:   Operation{Kind: OpFilterRemove, Payload: json.RawMessage(`{"layer":"roads","field":"type"}`)},
			check: func(t *testing.T, v any) {
				if _, ok := v.(*FilterOp); !ok {
					t.Fatalf("decoded type = %T, want *FilterOp", v)
				}
			},
		},
		{
			name: "job_status",
			op:   Operation{Kind: OpJobStatus, Payload: json.RawMessage(`{"job_id":"j1","state":"running","progress":0.4}`)},
			check: func(t *testing.T, v any) {
				j, ok := v.(*JobStatusOp)
				if !ok {
					t.Fatalf("decoded type = %T, want *JobStatusOp", v)
				}
				if j.JobID != "j1" || j.State != "running" {
					t.Errorf("job_status = %+v", j)
				}
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			v, err := tc.op.Decode()
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			tc.check(t, v)
		})
	}
}

func TestOperationDecodeUnknownKind(t *testing.T) {
	op := Operation{Kind: "teleport", Payload: json.RawMessage(`{}`)}
	if _, err := op.Decode(); !errors.Is(err, ErrUnknownOperation) {
		t.Errorf("Decode() error = %v, want ErrUnknownOperation", err)
	}
}

func TestDecodeOperationBatchPreservesOrder(t *testing.T) {
	f, err := NewFrame(KindOperations, &OperationBatch{Operations: []Operation{
		{Kind: OpZoom, Payload: json.RawMessage(`{"level":3}`)},
		{Kind: OpPan, Payload: json.RawMessage(`{"lat":1,"lng":2}`)},
		{Kind: OpMarkerAdd, Payload: json.RawMessage(`{"id":"m1","lat":1,"lng":2}`)},
	}})
	if err != nil {
		t.Fatalf("NewFrame() error = %v", err)
	}

	batch, err := DecodeOperationBatch(f)
	if err != nil {
		t.Fatalf("DecodeOperationBatch() error = %v", err)
	}
	want := []OpKind{OpZoom, OpPan, OpMarkerAdd}
	if len(batch.Operations) != len(want) {
		t.Fatalf("len(operations) = %d, want %d", len(batch.Operations), len(want))
	}
	for i, k := range want {
		if batch.Operations[i].Kind != k {
			t.Errorf("operations[%d].Kind = %q, want %q", i, batch.Operations[i].Kind, k)
		}
	}
}
