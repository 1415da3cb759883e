package webhooks

import (
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"wasmscan/internal/config"
	"wasmscan/internal/keys"
	"wasmscan/internal/models"
)

var jsonit = jsoniter.ConfigCompatibleWithStandardLibrary

// Endpoint is the delivery target carried on each pending row. Type "url"
// uses Method/Headers/URL, type "soketi" uses Channel/Event.
type Endpoint struct {
	Type    string            `json:"type"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	URL     string            `json:"url,omitempty"`
	Channel string            `json:"channel,omitempty"`
	Event   string            `json:"event,omitempty"`
}

// GetPrevious lazily resolves the most recent value for the same
// (contract, key) at a strictly lower block. It is only invoked when the
// subscription's value mode needs it.
type GetPrevious func() (*models.WasmEvent, error)

// Subscription is a compiled webhook rule. Filter decides whether an event
// is interesting, GetValue shapes the payload, and ResolveEndpoint picks the
// delivery target. A nil value from GetValue or ResolveEndpoint means the
// event is skipped for this subscription.
type Subscription struct {
	ID   string
	Name string

	Filter          func(e *models.WasmEvent) bool
	GetValue        func(e *models.WasmEvent, prev GetPrevious) (interface{}, error)
	ResolveEndpoint func(e *models.WasmEvent) (*Endpoint, error)
}

// Value modes recognized by Compile.
const (
	ValueModeValue  = "value"  // the new value string, skipping deletes
	ValueModeChange = "change" // {from, to} using the previous value
	ValueModeEvent  = "event"  // the full normalized event row
)

// Compile turns declarative subscription fields into a Subscription with
// closures bound. The key prefix is a plain UTF-8 string matched against the
// start of the raw key bytes.
func Compile(id, name string, contracts []string, keyPrefix, valueMode string, ep Endpoint) (Subscription, error) {
	switch ep.Type {
	case "url":
		if ep.URL == "" {
			return Subscription{}, fmt.Errorf("subscription %q: endpoint url is required", name)
		}
		if ep.Method == "" {
			ep.Method = "POST"
		}
	case "soketi":
		if ep.Channel == "" || ep.Event == "" {
			return Subscription{}, fmt.Errorf("subscription %q: endpoint channel and event are required", name)
		}
	default:
		return Subscription{}, fmt.Errorf("subscription %q: unknown endpoint type %q", name, ep.Type)
	}

	getValue, err := valueFunc(name, valueMode)
	if err != nil {
		return Subscription{}, err
	}

	contractSet := make(map[string]struct{}, len(contracts))
	for _, c := range contracts {
		contractSet[c] = struct{}{}
	}

	// Canonical form of the prefix bytes. One decimal token per byte keeps
	// the comma-boundary check byte-accurate: "98,97," never matches "98,971".
	canonPrefix := keys.Canonical([]byte(keyPrefix))

	endpoint := ep
	return Subscription{
		ID:   id,
		Name: name,
		Filter: func(e *models.WasmEvent) bool {
			if len(contractSet) > 0 {
				if _, ok := contractSet[e.ContractAddress]; !ok {
					return false
				}
			}
			if canonPrefix == "" {
				return true
			}
			return e.Key == canonPrefix || strings.HasPrefix(e.Key, canonPrefix+",")
		},
		GetValue: getValue,
		ResolveEndpoint: func(*models.WasmEvent) (*Endpoint, error) {
			return &endpoint, nil
		},
	}, nil
}

func valueFunc(name, mode string) (func(e *models.WasmEvent, prev GetPrevious) (interface{}, error), error) {
	switch mode {
	case ValueModeValue:
		return func(e *models.WasmEvent, _ GetPrevious) (interface{}, error) {
			if e.Deleted {
				return nil, nil
			}
			return e.Value, nil
		}, nil
	case ValueModeChange:
		return func(e *models.WasmEvent, prev GetPrevious) (interface{}, error) {
			p, err := prev()
			if err != nil {
				return nil, err
			}
			change := map[string]interface{}{"from": nil, "to": nil}
			if p != nil && !p.Deleted {
				change["from"] = p.Value
			}
			if !e.Deleted {
				change["to"] = e.Value
			}
			return change, nil
		}, nil
	case ValueModeEvent:
		return func(e *models.WasmEvent, _ GetPrevious) (interface{}, error) {
			return e, nil
		}, nil
	default:
		return nil, fmt.Errorf("subscription %q: unknown value mode %q", name, mode)
	}
}

// FromConfig compiles the subscriptions declared in the config file. Their
// IDs are synthetic ("config:<name>") and they are always enabled.
func FromConfig(cfgs []config.WebhookConfig) ([]Subscription, error) {
	subs := make([]Subscription, 0, len(cfgs))
	for _, c := range cfgs {
		sub, err := Compile("config:"+c.Name, c.Name, c.Contracts, c.KeyPrefix, c.Value, Endpoint{
			Type:    c.Endpoint.Type,
			Method:  c.Endpoint.Method,
			Headers: c.Endpoint.Headers,
			URL:     c.Endpoint.URL,
			Channel: c.Endpoint.Channel,
			Event:   c.Endpoint.Event,
		})
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// FromStored compiles DB-backed subscription rows. Rows that fail to compile
// are returned as errors so the caller can log and continue with the rest.
func FromStored(rows []models.WebhookSubscription) ([]Subscription, []error) {
	subs := make([]Subscription, 0, len(rows))
	var errs []error
	for _, r := range rows {
		var ep Endpoint
		if err := jsonit.Unmarshal(r.Endpoint, &ep); err != nil {
			errs = append(errs, fmt.Errorf("subscription %s: bad endpoint: %w", r.ID, err))
			continue
		}
		if ep.Type == "" {
			ep.Type = r.EndpointType
		}
		sub, err := Compile(r.ID, r.Name, r.ContractAddresses, r.KeyPrefix, r.ValueMode, ep)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		subs = append(subs, sub)
	}
	return subs, errs
}
