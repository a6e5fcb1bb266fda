// Package wire formats the batch-progress wire protocol: line-delimited
// JSON events written to a stream as a pipeline run proceeds.
package wire

import (
	"encoding/json"

	"github.com/miradorflow/core/internal/node"
)

// NodeStartEvent reports that a node is about to execute.
type NodeStartEvent struct {
	Type   string `json:"type"`
	NodeID string `json:"node_id"`
}

// NodeDoneEvent reports a node's successful output, with its table handle
// already stripped.
type NodeDoneEvent struct {
	Type   string      `json:"type"`
	NodeID string      `json:"node_id"`
	Output node.Output `json:"output"`
}

// NodeErrorEvent reports a node failure that aborted the run.
type NodeErrorEvent struct {
	Type   string `json:"type"`
	NodeID string `json:"node_id"`
	Error  string `json:"error"`
}

// CompleteEvent is the terminal success event, carrying every node's
// stripped output.
type CompleteEvent struct {
	Type    string                 `json:"type"`
	Results map[string]node.Output `json:"results"`
}

// ErrorEvent is the terminal failure event.
type ErrorEvent struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// FormatNodeStart marshals a node_start event.
func FormatNodeStart(nodeID string) ([]byte, error) {
	return marshalLine(NodeStartEvent{Type: "node_start", NodeID: nodeID})
}

// FormatNodeDone marshals a node_done event, stripping any table handle
// from output first.
func FormatNodeDone(nodeID string, output node.Output) ([]byte, error) {
	return marshalLine(NodeDoneEvent{Type: "node_done", NodeID: nodeID, Output: output.Scalars()})
}

// FormatNodeError marshals a node_error event.
func FormatNodeError(nodeID string, err error) ([]byte, error) {
	return marshalLine(NodeErrorEvent{Type: "node_error", NodeID: nodeID, Error: err.Error()})
}

// FormatComplete marshals the terminal complete event. Every output is
// stripped of its table handle before marshaling.
func FormatComplete(results map[string]node.Output) ([]byte, error) {
	scalars := make(map[string]node.Output, len(results))
	for id, out := range results {
		scalars[id] = out.Scalars()
	}
	return marshalLine(CompleteEvent{Type: "complete", Results: scalars})
}

// FormatError marshals the terminal error event.
func FormatError(err error) ([]byte, error) {
	return marshalLine(ErrorEvent{Type: "error", Error: err.Error()})
}

func marshalLine(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
