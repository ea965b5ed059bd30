// Package transform normalizes raw stream payloads into the documents the
// downstream alert API expects. Transformations are pure functions keyed by
// subject; the registry is assembled once at startup and never mutated.
package transform

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed marks payloads that cannot be parsed at all. Redelivering
// such a message cannot help, so callers drop it instead of failing it.
var ErrMalformed = errors.New("malformed event")

// Func turns one raw payload into zero or more documents. An empty result
// with a nil error means the payload was valid but carries nothing to
// forward.
type Func func(payload []byte) ([]map[string]any, error)

// Resolver maps Kubernetes pod and node names to their cluster IDs. An empty
// return means the name could not be resolved.
type Resolver interface {
	PodID(name string) string
	NodeID(name string) string
}

// NopResolver resolves nothing. Used when the relay runs outside a cluster.
type NopResolver struct{}

func (NopResolver) PodID(string) string  { return "" }
func (NopResolver) NodeID(string) string { return "" }

// Registry holds the per-subject transformation set for one stream.
type Registry struct {
	bySubject map[string]Func
	fallback  Func
}

// ForStream builds the registry for a stream. PREDICTIONS carries alert
// events, HP3 carries tuning parameters; any other stream gets the
// passthrough treatment on every subject.
func ForStream(stream string, r Resolver) *Registry {
	if r == nil {
		r = NopResolver{}
	}
	switch stream {
	case "PREDICTIONS":
		return &Registry{
			bySubject: map[string]Func{
				"attack":    AlertEvent("Attack", r),
				"anomalies": AlertEvent("Abnormal", r),
			},
			fallback: Passthrough,
		}
	case "HP3":
		return &Registry{
			bySubject: map[string]Func{
				"hp3.predictions": TuningParams,
			},
			fallback: Passthrough,
		}
	default:
		return &Registry{fallback: Passthrough}
	}
}

// Lookup returns the transformation for a subject, falling back to the
// stream's default.
func (reg *Registry) Lookup(subject string) Func {
	if f, ok := reg.bySubject[subject]; ok {
		return f
	}
	return reg.fallback
}

// AlertEvent normalizes a model prediction event into an alert document.
// Expected input shape:
//
//	{
//	  "timestamp": "2025-10-15T23:51:31.752364",
//	  "data": {
//	    "pod": "coredns-765db7f584-nsk89",
//	    "instance": "master",
//	    "timestamp": "2025-10-15T23:51:01.031000",
//	    "prediction": "CPU HOG"
//	  },
//	  "model_name": "tis"
//	}
//
// Events naming neither a pod nor a node are dropped without error: there is
// nothing to attach the alert to.
func AlertEvent(alertType string, r Resolver) Func {
	return func(payload []byte) ([]map[string]any, error) {
		var root map[string]any
		if err := json.Unmarshal(payload, &root); err != nil {
			return nil, fmt.Errorf("%w: parse %s alert: %v", ErrMalformed, alertType, err)
		}
		data, _ := root["data"].(map[string]any)

		podName := stringField(data, "pod")
		nodeName := stringField(data, "instance")
		if podName == "" && nodeName == "" {
			return nil, nil
		}

		doc := map[string]any{
			"alert_type":        alertType,
			"alert_model":       stringOr(root, "model_name", podName),
			"alert_description": stringOr(data, "prediction", podName),
			"pod_name":          nullable(podName),
			"pod_id":            nullable(resolvePod(r, podName)),
			"node_name":         nullable(nodeName),
			"node_id":           nullable(resolveNode(r, nodeName)),
			"source_ip":         root["source_ip"],
			"source_port":       root["source_port"],
			"destination_ip":    root["destination_ip"],
			"destination_port":  root["destination_port"],
			"protocol":          root["protocol"],
			"created_at":        data["timestamp"],
		}
		return []map[string]any{doc}, nil
	}
}

// Passthrough wraps an event of unknown shape into an "Other" alert, copying
// the network fields verbatim.
func Passthrough(payload []byte) ([]map[string]any, error) {
	var root map[string]any
	if err := json.Unmarshal(payload, &root); err != nil {
		return nil, fmt.Errorf("parse event: %w", err)
	}
	model := stringOr(root, "model", "unknown")
	doc := map[string]any{
		"alert_type":        "Other",
		"alert_model":       model,
		"alert_description": stringOr(root, "description", model+" alert detected"),
		"pod_id":            root["pod_id"],
		"node_id":           root["node_id"],
		"pod_name":          root["pod_name"],
		"node_name":         root["node_name"],
		"source_ip":         root["source_ip"],
		"source_port":       root["source_port"],
		"destination_ip":    root["destination_ip"],
		"destination_port":  root["destination_port"],
		"protocol":          root["protocol"],
	}
	return []map[string]any{doc}, nil
}

// TuningParams maps a hyperparameter prediction into the tuning API document.
// Missing outputs default to zero; gamma defaults to 0.2.
func TuningParams(payload []byte) ([]map[string]any, error) {
	var root map[string]any
	if err := json.Unmarshal(payload, &root); err != nil {
		return nil, fmt.Errorf("%w: parse tuning params: %v", ErrMalformed, err)
	}
	doc := map[string]any{
		"output_1": numberOr(root, "o1", 0.0),
		"output_2": numberOr(root, "o2", 0.0),
		"output_3": numberOr(root, "o3", 0.0),
		"alpha":    numberOr(root, "alpha", 0.0),
		"beta":     numberOr(root, "beta", 0.0),
		"gamma":    numberOr(root, "gamma", 0.2),
	}
	if ts := stringField(root, "timestamp"); ts != "" {
		doc["created_at"] = ts
	}
	return []map[string]any{doc}, nil
}

func resolvePod(r Resolver, name string) string {
	if name == "" {
		return ""
	}
	return r.PodID(name)
}

func resolveNode(r Resolver, name string) string {
	if name == "" {
		return ""
	}
	return r.NodeID(name)
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func stringOr(m map[string]any, key, fallback string) string {
	if s := stringField(m, key); s != "" {
		return s
	}
	return fallback
}

func numberOr(m map[string]any, key string, fallback float64) float64 {
	if f, ok := m[key].(float64); ok {
		return f
	}
	return fallback
}

// nullable maps the empty string to an explicit JSON null.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
