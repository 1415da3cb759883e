package webhooks

import (
	"errors"
	"testing"

	"wasmscan/internal/config"
	"wasmscan/internal/keys"
	"wasmscan/internal/models"
)

func urlEndpoint() Endpoint {
	return Endpoint{Type: "url", URL: "https://example.com/hook"}
}

func TestCompile_Validation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		valueMode string
		endpoint  Endpoint
		wantErr   bool
	}{
		{"url endpoint", ValueModeValue, urlEndpoint(), false},
		{"soketi endpoint", ValueModeChange, Endpoint{Type: "soketi", Channel: "c", Event: "e"}, false},
		{"url without url", ValueModeValue, Endpoint{Type: "url"}, true},
		{"soketi without channel", ValueModeValue, Endpoint{Type: "soketi", Event: "e"}, true},
		{"unknown endpoint type", ValueModeValue, Endpoint{Type: "carrier-pigeon"}, true},
		{"unknown value mode", "diff", urlEndpoint(), true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Compile("id", tc.name, nil, "", tc.valueMode, tc.endpoint)
			if (err != nil) != tc.wantErr {
				t.Fatalf("Compile error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestCompile_DefaultsURLMethod(t *testing.T) {
	t.Parallel()

	sub, err := Compile("id", "s", nil, "", ValueModeValue, urlEndpoint())
	if err != nil {
		t.Fatal(err)
	}
	ep, err := sub.ResolveEndpoint(&models.WasmEvent{})
	if err != nil {
		t.Fatal(err)
	}
	if ep.Method != "POST" {
		t.Fatalf("got method %q want POST", ep.Method)
	}
}

func TestSubscription_Filter(t *testing.T) {
	t.Parallel()

	balanceKey := func(addr string) string {
		return keys.CompositeString("balance", addr)
	}

	cases := []struct {
		name      string
		contracts []string
		keyPrefix string
		event     models.WasmEvent
		want      bool
	}{
		{
			name:  "no constraints matches everything",
			event: models.WasmEvent{ContractAddress: "juno1abc", Key: "1,2,3"},
			want:  true,
		},
		{
			name:      "contract in set",
			contracts: []string{"juno1abc", "juno1def"},
			event:     models.WasmEvent{ContractAddress: "juno1def", Key: "1"},
			want:      true,
		},
		{
			name:      "contract not in set",
			contracts: []string{"juno1abc"},
			event:     models.WasmEvent{ContractAddress: "juno1xyz", Key: "1"},
			want:      false,
		},
		{
			name:      "key prefix matches",
			keyPrefix: "config",
			event:     models.WasmEvent{ContractAddress: "juno1abc", Key: keys.CompositeString("config")},
			want:      true,
		},
		{
			name:      "key prefix matches namespaced key",
			keyPrefix: "\x00\x07balance",
			event:     models.WasmEvent{ContractAddress: "juno1abc", Key: balanceKey("juno1holder")},
			want:      true,
		},
		{
			name:      "key prefix does not cross byte boundary",
			keyPrefix: "\x01",
			// Canonical "12" must not match canonical prefix "1".
			event: models.WasmEvent{ContractAddress: "juno1abc", Key: "12"},
			want:  false,
		},
		{
			name:      "prefix equal to whole key",
			keyPrefix: "total",
			event:     models.WasmEvent{ContractAddress: "juno1abc", Key: keys.CompositeString("total")},
			want:      true,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			sub, err := Compile("id", tc.name, tc.contracts, tc.keyPrefix, ValueModeValue, urlEndpoint())
			if err != nil {
				t.Fatal(err)
			}
			if got := sub.Filter(&tc.event); got != tc.want {
				t.Fatalf("Filter() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestSubscription_ValueModes(t *testing.T) {
	t.Parallel()

	event := &models.WasmEvent{
		BlockHeight:     100,
		ContractAddress: "juno1abc",
		Key:             "1,2",
		Value:           "20",
	}
	prevEvent := &models.WasmEvent{
		BlockHeight:     90,
		ContractAddress: "juno1abc",
		Key:             "1,2",
		Value:           "10",
	}
	prev := func() (*models.WasmEvent, error) { return prevEvent, nil }
	noPrev := func() (*models.WasmEvent, error) { return nil, nil }

	t.Run("value returns new value", func(t *testing.T) {
		sub, _ := Compile("id", "s", nil, "", ValueModeValue, urlEndpoint())
		v, err := sub.GetValue(event, noPrev)
		if err != nil {
			t.Fatal(err)
		}
		if v != "20" {
			t.Fatalf("got %v want 20", v)
		}
	})

	t.Run("value skips deletes", func(t *testing.T) {
		sub, _ := Compile("id", "s", nil, "", ValueModeValue, urlEndpoint())
		deleted := *event
		deleted.Deleted = true
		v, err := sub.GetValue(&deleted, noPrev)
		if err != nil {
			t.Fatal(err)
		}
		if v != nil {
			t.Fatalf("got %v want nil", v)
		}
	})

	t.Run("change pairs previous and new value", func(t *testing.T) {
		sub, _ := Compile("id", "s", nil, "", ValueModeChange, urlEndpoint())
		v, err := sub.GetValue(event, prev)
		if err != nil {
			t.Fatal(err)
		}
		change, ok := v.(map[string]interface{})
		if !ok {
			t.Fatalf("got %T want map", v)
		}
		if change["from"] != "10" || change["to"] != "20" {
			t.Fatalf("got %v want {from:10 to:20}", change)
		}
	})

	t.Run("change with no previous value", func(t *testing.T) {
		sub, _ := Compile("id", "s", nil, "", ValueModeChange, urlEndpoint())
		v, err := sub.GetValue(event, noPrev)
		if err != nil {
			t.Fatal(err)
		}
		change := v.(map[string]interface{})
		if change["from"] != nil || change["to"] != "20" {
			t.Fatalf("got %v want {from:nil to:20}", change)
		}
	})

	t.Run("change on delete empties to", func(t *testing.T) {
		sub, _ := Compile("id", "s", nil, "", ValueModeChange, urlEndpoint())
		deleted := *event
		deleted.Deleted = true
		v, err := sub.GetValue(&deleted, prev)
		if err != nil {
			t.Fatal(err)
		}
		change := v.(map[string]interface{})
		if change["from"] != "10" || change["to"] != nil {
			t.Fatalf("got %v want {from:10 to:nil}", change)
		}
	})

	t.Run("change propagates previous lookup errors", func(t *testing.T) {
		sub, _ := Compile("id", "s", nil, "", ValueModeChange, urlEndpoint())
		boom := errors.New("boom")
		_, err := sub.GetValue(event, func() (*models.WasmEvent, error) { return nil, boom })
		if !errors.Is(err, boom) {
			t.Fatalf("got %v want boom", err)
		}
	})

	t.Run("event returns the row", func(t *testing.T) {
		sub, _ := Compile("id", "s", nil, "", ValueModeEvent, urlEndpoint())
		v, err := sub.GetValue(event, noPrev)
		if err != nil {
			t.Fatal(err)
		}
		if v != event {
			t.Fatalf("got %v want the event itself", v)
		}
	})
}

func TestFromConfig(t *testing.T) {
	t.Parallel()

	cfgs := []config.WebhookConfig{
		{
			Name:      "balances",
			Contracts: []string{"juno1abc"},
			KeyPrefix: "balance",
			Value:     ValueModeChange,
			Endpoint:  config.EndpointConfig{Type: "url", URL: "https://example.com", Method: "PUT"},
		},
	}

	subs, err := FromConfig(cfgs)
	if err != nil {
		t.Fatal(err)
	}
	if len(subs) != 1 {
		t.Fatalf("got %d subs want 1", len(subs))
	}
	if subs[0].ID != "config:balances" {
		t.Fatalf("got id %q want config:balances", subs[0].ID)
	}
	ep, err := subs[0].ResolveEndpoint(&models.WasmEvent{})
	if err != nil {
		t.Fatal(err)
	}
	if ep.Method != "PUT" {
		t.Fatalf("got method %q want PUT", ep.Method)
	}
}

func TestFromStored_SkipsBroken(t *testing.T) {
	t.Parallel()

	rows := []models.WebhookSubscription{
		{
			ID:           "good",
			Name:         "good",
			ValueMode:    ValueModeValue,
			EndpointType: "url",
			Endpoint:     []byte(`{"type":"url","url":"https://example.com"}`),
		},
		{
			ID:           "bad-endpoint",
			Name:         "bad-endpoint",
			ValueMode:    ValueModeValue,
			EndpointType: "url",
			Endpoint:     []byte(`{not json`),
		},
		{
			ID:           "bad-mode",
			Name:         "bad-mode",
			ValueMode:    "nonsense",
			EndpointType: "url",
			Endpoint:     []byte(`{"type":"url","url":"https://example.com"}`),
		},
	}

	subs, errs := FromStored(rows)
	if len(subs) != 1 || subs[0].ID != "good" {
		t.Fatalf("got %d compiled subs, want only the good one", len(subs))
	}
	if len(errs) != 2 {
		t.Fatalf("got %d errors want 2", len(errs))
	}
}
